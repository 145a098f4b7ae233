package history

import "errors"

// ErrVersionNotFound is returned by Reconstruct when no path through the
// recorded revisions reaches the requested version.
var ErrVersionNotFound = errors.New("version not found in edit chain")

// Rev is one link of an article's edit chain as Reconstruct needs it.
type Rev struct {
	Hash     string
	Previous string
	Diff     string
}

// Snapshot is the article text after one revision of the chain.
type Snapshot struct {
	Hash string
	Text string
}

// Replay walks the whole chain from the sentinel and returns a snapshot per
// revision, oldest first. Revisions unreachable from the sentinel are an
// ErrVersionNotFound.
func Replay(revs []Rev) ([]Snapshot, error) {
	snapshots := make([]Snapshot, 0, len(revs))
	text := ""
	version := Sentinel
	used := make([]bool, len(revs))
	for len(snapshots) < len(revs) {
		advanced := false
		for i, r := range revs {
			if used[i] || r.Previous != version {
				continue
			}
			next, err := ApplyDiff(text, r.Diff)
			if err != nil {
				return nil, err
			}
			used[i] = true
			text = next
			version = r.Hash
			snapshots = append(snapshots, Snapshot{Hash: version, Text: text})
			advanced = true
			break
		}
		if !advanced {
			return nil, ErrVersionNotFound
		}
	}
	return snapshots, nil
}

// Reconstruct replays revs from the sentinel version and returns the article
// text at target. Revisions are tried in the order given; at each step the
// first unconsumed revision whose Previous matches the accumulated version is
// applied. The empty string is the text at the sentinel itself.
func Reconstruct(revs []Rev, target string) (string, error) {
	if target == Sentinel {
		return "", nil
	}
	text := ""
	version := Sentinel
	used := make([]bool, len(revs))
	for {
		advanced := false
		for i, r := range revs {
			if used[i] || r.Previous != version {
				continue
			}
			next, err := ApplyDiff(text, r.Diff)
			if err != nil {
				return "", err
			}
			used[i] = true
			text = next
			version = r.Hash
			advanced = true
			break
		}
		if version == target {
			return text, nil
		}
		if !advanced {
			return "", ErrVersionNotFound
		}
	}
}
