package policy

import "grimm.is/palisade/internal/rule"

// PurgeRules removes every rule whose path refers to a local
// executable that no longer exists on disk. Patterns and non-file
// references are never purged. Returns how many rules were removed.
func (s *Service) PurgeRules() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.store.Paths()
	if err != nil {
		s.errorSink(err.Error())
		return 0, err
	}

	var obsolete []int64
	for id, path := range paths {
		if !rule.IsLocalFilePath(path) {
			continue
		}
		if s.fileExists(path) {
			continue
		}
		s.log.Debug("purge obsolete rule", "id", id, "path", path)
		obsolete = append(obsolete, id)
	}

	if len(obsolete) == 0 {
		return 0, nil
	}

	if err := s.deleteRulesLocked(obsolete); err != nil {
		return 0, err
	}

	s.metrics.PurgedRulesTotal.Add(float64(len(obsolete)))
	s.metrics.MutationsTotal.WithLabelValues("purge").Inc()
	return len(obsolete), nil
}
