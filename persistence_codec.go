package dcshare

import (
	yaml "gopkg.in/yaml.v1"

	"github.com/cenkalti/dcshare/internal/group"
	"github.com/cenkalti/dcshare/internal/queue"
)

// marshalUserIPs and unmarshalUserIPs round-trip hub.Roster's durable
// nickname->IP map (spec.md §6 "_userips") through yaml, the same way
// marshalGroups does for group.Registry.
func marshalUserIPs(ips map[string]string) ([]byte, error) {
	return yaml.Marshal(ips)
}

func unmarshalUserIPs(blob []byte) map[string]string {
	ips := make(map[string]string)
	if err := yaml.Unmarshal(blob, &ips); err != nil {
		return nil
	}
	return ips
}

// marshalFileListRoots and unmarshalFileListRoots round-trip
// filelist.Store's per-group shared roots (spec.md §6 "_filelist").
func marshalFileListRoots(roots map[string][]string) ([]byte, error) {
	return yaml.Marshal(roots)
}

func unmarshalFileListRoots(blob []byte) map[string][]string {
	roots := make(map[string][]string)
	if err := yaml.Unmarshal(blob, &roots); err != nil {
		return nil
	}
	return roots
}

// groupSnapshot is the serializable projection of a group.Registry: every
// group name plus its explicit nickname memberships (nicknames resolving
// to the default group implicitly are not recorded).
type groupSnapshot struct {
	Names   []string            `yaml:"names"`
	Members map[string][]string `yaml:"members"`
}

func marshalGroups(r *group.Registry) ([]byte, error) {
	snap := groupSnapshot{Members: make(map[string][]string)}
	for _, name := range r.Names() {
		snap.Names = append(snap.Names, name)
		if members := r.Members(name); len(members) > 0 {
			snap.Members[name] = members
		}
	}
	return yaml.Marshal(&snap)
}

func unmarshalGroups(r *group.Registry, blob []byte) {
	var snap groupSnapshot
	if err := yaml.Unmarshal(blob, &snap); err != nil {
		return
	}
	for _, name := range snap.Names {
		if name == group.Default {
			continue
		}
		_ = r.Create(name)
	}
	for groupName, nicks := range snap.Members {
		for _, nick := range nicks {
			_ = r.Add(groupName, nick)
		}
	}
}

// queueItemSnapshot is the serializable projection of a queue.Item: the
// OnSuccess/OnFailure callbacks and their Arg do not survive a restart;
// the part index, part count, offset and length are saved and restored
// as they were.
type queueItemSnapshot struct {
	ID             string   `yaml:"id"`
	IncompleteBase string   `yaml:"incomplete_base"`
	PartIndex      int      `yaml:"part_index"`
	PartCount      int      `yaml:"part_count"`
	Kind           int      `yaml:"kind"`
	Candidates     []string `yaml:"candidates"`
	Offset         int64    `yaml:"offset"`
	Length         int64    `yaml:"length"`
	Priority       int      `yaml:"priority"`
	TargetName     string   `yaml:"target_name"`
	TargetSize     int64    `yaml:"target_size"`
	TargetLocation string   `yaml:"target_location"`
}

func marshalQueue(q *queue.Queue) ([]byte, error) {
	items := q.Snapshot()
	snaps := make([]queueItemSnapshot, 0, len(items))
	for _, it := range items {
		candidates := make([]string, 0, len(it.Candidates))
		for nick := range it.Candidates {
			candidates = append(candidates, nick)
		}
		snaps = append(snaps, queueItemSnapshot{
			ID:             it.ID,
			IncompleteBase: it.IncompleteBase,
			PartIndex:      it.PartIndex,
			PartCount:      it.PartCount,
			Kind:           int(it.Kind),
			Candidates:     candidates,
			Offset:         it.Offset,
			Length:         it.Length,
			Priority:       it.Priority,
			TargetName:     it.TargetName,
			TargetSize:     it.TargetSize,
			TargetLocation: it.TargetLocation,
		})
	}
	return yaml.Marshal(&snaps)
}

// RestoreQueue reloads a previously persisted queue snapshot into q,
// giving every restored item onSuccess and onFailure as its callbacks.
// New calls it through Client.restoreQueue with nil callbacks.
func RestoreQueue(q *queue.Queue, blob []byte, onSuccess, onFailure queue.Callback) error {
	var snaps []queueItemSnapshot
	if err := yaml.Unmarshal(blob, &snaps); err != nil {
		return err
	}
	for _, snap := range snaps {
		candidates := make(map[string]struct{}, len(snap.Candidates))
		for _, nick := range snap.Candidates {
			candidates[nick] = struct{}{}
		}
		q.Add(&queue.Item{
			ID:             snap.ID,
			IncompleteBase: snap.IncompleteBase,
			PartIndex:      snap.PartIndex,
			PartCount:      snap.PartCount,
			Kind:           queue.Kind(snap.Kind),
			Candidates:     candidates,
			Offset:         snap.Offset,
			Length:         snap.Length,
			Priority:       snap.Priority,
			TargetName:     snap.TargetName,
			TargetSize:     snap.TargetSize,
			TargetLocation: snap.TargetLocation,
			OnSuccess:      onSuccess,
			OnFailure:      onFailure,
		})
	}
	return nil
}
