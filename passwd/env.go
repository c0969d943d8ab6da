package passwd

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var envUserKey = regexp.MustCompile(`^USER_(\d+)$`)

// EntriesFromEnviron collects USER_<n>/PASS_<n> pairs from environ (as
// returned by os.Environ), ordered by n. Pairs that are incomplete or fail
// validation are reported in the error slice and skipped.
func EntriesFromEnviron(environ []string) ([]Entry, []error) {
	users := map[int]string{}
	passwords := map[int]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if m := envUserKey.FindStringSubmatch(k); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			users[n] = v
			continue
		}
		if rest, ok := strings.CutPrefix(k, "PASS_"); ok {
			if n, err := strconv.Atoi(rest); err == nil {
				passwords[n] = v
			}
		}
	}

	indexes := make([]int, 0, len(users))
	for n := range users {
		indexes = append(indexes, n)
	}
	slices.Sort(indexes)

	var entries []Entry
	var errs []error
	for _, n := range indexes {
		username := users[n]
		password, ok := passwords[n]
		if !ok || password == "" {
			errs = append(errs, fmt.Errorf("USER_%d: %w: PASS_%d is not set", n, ErrInvalidPassword, n))
			continue
		}
		if err := validateEntry(username, password); err != nil {
			errs = append(errs, fmt.Errorf("USER_%d: %w", n, err))
			continue
		}
		entries = append(entries, Entry{Username: username, Password: password})
	}
	return entries, errs
}
