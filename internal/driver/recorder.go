package driver

import "sync"

// AppWrite is one recorded delta push.
type AppWrite struct {
	Buf    []byte
	Remove bool
}

// ConfWrite is one recorded snapshot push.
type ConfWrite struct {
	Buf       []byte
	OnlyFlags bool
}

// Recorder is a Client that records every push and optionally fails
// them, for tests asserting which granularity a mutation chose.
type Recorder struct {
	mu         sync.Mutex
	appWrites  []AppWrite
	confWrites []ConfWrite

	// FailApp / FailConf, when set, are returned by the respective
	// write calls after recording.
	FailApp  error
	FailConf error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) WriteApp(buf []byte, remove bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appWrites = append(r.appWrites, AppWrite{Buf: append([]byte(nil), buf...), Remove: remove})
	return r.FailApp
}

func (r *Recorder) WriteConf(buf []byte, onlyFlags bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confWrites = append(r.confWrites, ConfWrite{Buf: append([]byte(nil), buf...), OnlyFlags: onlyFlags})
	return r.FailConf
}

func (r *Recorder) Close() error { return nil }

// AppWrites returns the recorded delta pushes.
func (r *Recorder) AppWrites() []AppWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AppWrite(nil), r.appWrites...)
}

// ConfWrites returns the recorded snapshot pushes.
func (r *Recorder) ConfWrites() []ConfWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConfWrite(nil), r.confWrites...)
}

// Reset discards all recorded pushes.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appWrites = nil
	r.confWrites = nil
}
