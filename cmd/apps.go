package cmd

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"grimm.is/palisade/internal/config"
	"grimm.is/palisade/internal/ctl"
	"grimm.is/palisade/internal/rule"
)

// RunApps dispatches the rule management subcommands. Every
// subcommand talks to the running daemon over the control socket.
func RunApps(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: palisade apps <list|add|block|unblock|delete|rename|purge|resync>")
	}

	switch args[0] {
	case "list":
		return appsList(args[1:])
	case "add":
		return appsAdd(args[1:])
	case "block":
		return appsSetBlocked(args[1:], true)
	case "unblock":
		return appsSetBlocked(args[1:], false)
	case "delete":
		return appsDelete(args[1:])
	case "rename":
		return appsRename(args[1:])
	case "purge":
		return appsPurge(args[1:])
	case "resync":
		return appsResync(args[1:])
	default:
		return fmt.Errorf("unknown apps subcommand: %s", args[0])
	}
}

func socketFlag(fs *flag.FlagSet) *string {
	return fs.String("socket", config.DefaultSocketPath, "Control socket path")
}

func dial(socketPath string) (*ctl.Client, error) {
	return ctl.Dial(socketPath)
}

func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one rule id required")
	}
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rule id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func appsList(args []string) error {
	fs := flag.NewFlagSet("apps list", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	rules, err := client.Rules()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tGROUP\tSTATE\tENDS\tNAME\tPATH")
	for _, r := range rules {
		state := "allow"
		if r.Blocked {
			state = "block"
		}
		if r.KillProcess {
			state += "+kill"
		}
		if r.Alerted {
			state += " (new)"
		}
		ends := "-"
		if r.HasEndTime() {
			ends = r.EndTime.Local().Format("2006-01-02 15:04")
		}
		path := r.Path
		if r.IsWildcard {
			path = r.OriginPath + " (pattern)"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n", r.ID, r.GroupIndex, state, ends, r.Name, path)
	}
	return w.Flush()
}

func appsAdd(args []string) error {
	fs := flag.NewFlagSet("apps add", flag.ExitOnError)
	socket := socketFlag(fs)
	name := fs.String("name", "", "Display name (defaults to the executable name)")
	group := fs.Int("group", 0, "Group index")
	wildcard := fs.Bool("wildcard", false, "Treat the argument as a pattern list")
	groupPerm := fs.Bool("group-perm", false, "Inherit the group's enabled state")
	applyChild := fs.Bool("apply-child", false, "Apply to child processes")
	killChild := fs.Bool("kill-child", false, "Kill forbidden child processes")
	lanOnly := fs.Bool("lan-only", false, "Restrict to LAN traffic")
	logBlocked := fs.Bool("log-blocked", false, "Log blocked connections")
	logConn := fs.Bool("log-conn", false, "Log all connections")
	blocked := fs.Bool("block", false, "Block instead of allow")
	killProcess := fs.Bool("kill-process", false, "Kill the process on match")
	end := fs.String("end", "", "Schedule a block: duration (2h30m) or RFC3339 time")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: palisade apps add [flags] <path>")
	}
	origin := fs.Arg(0)

	r := rule.Rule{
		OriginPath:   origin,
		Name:         *name,
		IsWildcard:   *wildcard,
		GroupIndex:   *group,
		UseGroupPerm: *groupPerm,
		ApplyChild:   *applyChild,
		KillChild:    *killChild,
		LanOnly:      *lanOnly,
		LogBlocked:   *logBlocked,
		LogConn:      *logConn,
		Blocked:      *blocked,
		KillProcess:  *killProcess,
	}
	if !r.IsWildcard {
		r.Path = rule.NormalizePath(origin)
	}
	if *end != "" {
		t, err := parseEndTime(*end)
		if err != nil {
			return err
		}
		r.EndTime = t
	}

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.AddRule(r)
	if err != nil {
		return err
	}
	fmt.Printf("Added rule %d\n", id)
	return nil
}

// parseEndTime accepts either a duration from now or an absolute
// RFC3339 timestamp.
func parseEndTime(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("end duration must be positive")
		}
		return time.Now().Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid end time %q (want a duration like 2h or an RFC3339 time)", s)
	}
	return t, nil
}

func appsSetBlocked(args []string, blocked bool) error {
	name := "apps unblock"
	if blocked {
		name = "apps block"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	socket := socketFlag(fs)
	killProcess := false
	if blocked {
		fs.BoolVar(&killProcess, "kill-process", false, "Also kill the running process")
	}
	fs.Parse(args)

	ids, err := parseIDs(fs.Args())
	if err != nil {
		return err
	}

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.SetRulesBlocked(ids, blocked, killProcess)
}

func appsDelete(args []string) error {
	fs := flag.NewFlagSet("apps delete", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	ids, err := parseIDs(fs.Args())
	if err != nil {
		return err
	}

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.DeleteRules(ids)
}

func appsRename(args []string) error {
	fs := flag.NewFlagSet("apps rename", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: palisade apps rename <id> <name>")
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid rule id %q", fs.Arg(0))
	}

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.UpdateRuleName(id, fs.Arg(1))
}

func appsPurge(args []string) error {
	fs := flag.NewFlagSet("apps purge", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	removed, err := client.PurgeRules()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d obsolete rule(s)\n", removed)
	return nil
}

func appsResync(args []string) error {
	fs := flag.NewFlagSet("apps resync", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	client, err := dial(*socket)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.ResyncDriver(); err != nil {
		return err
	}
	fmt.Println("Snapshot pushed")
	return nil
}
