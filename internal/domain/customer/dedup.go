package customer

import (
	"context"
	"log/slog"
)

// Bucket scopes duplicate detection: the ISO week when the record carries a
// timestamp, otherwise the group it lands in.
func Bucket(group Group) string {
	if group.Week != nil {
		return group.Week.String()
	}
	return "group:" + group.Name
}

type Deduplicator struct {
	seen map[string]map[string]struct{}
	// remote holds the member keys of each group as listed on first use,
	// before this run added anyone to it.
	remote    map[string][]string
	seeded    map[string]bool
	directory Directory
	logger    *slog.Logger
}

// NewDeduplicator returns an in-memory deduplicator. When directory is non-nil
// the members of each remote group are listed once, the first time the group
// is used, and that snapshot is applied to every bucket the group serves.
func NewDeduplicator(directory Directory, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		seen:      make(map[string]map[string]struct{}),
		remote:    make(map[string][]string),
		seeded:    make(map[string]bool),
		directory: directory,
		logger:    componentLogger(logger, "Deduplicator"),
	}
}

// SeenBefore reports whether any contact key of rec is already known in bucket.
func (d *Deduplicator) SeenBefore(rec *Record, bucket string) (string, bool) {
	keys := d.seen[bucket]
	for _, k := range rec.ContactKeys() {
		if _, ok := keys[k]; ok {
			return k, true
		}
	}
	return "", false
}

// Remember registers the contact keys of an accepted record.
func (d *Deduplicator) Remember(rec *Record, bucket string) {
	d.add(bucket, rec.ContactKeys())
}

// Check is SeenBefore followed by Remember when the record is new.
func (d *Deduplicator) Check(rec *Record, bucket string) (*Skip, bool) {
	if key, dup := d.SeenBefore(rec, bucket); dup {
		return &Skip{Reason: SkipDuplicate, Detail: key + " already seen in " + bucket}, true
	}
	d.Remember(rec, bucket)
	return nil, false
}

// TrackNewGroup marks groupID as created by this run. It has no prior
// members, so it is never listed.
func (d *Deduplicator) TrackNewGroup(groupID string) {
	if _, ok := d.remote[groupID]; !ok {
		d.remote[groupID] = nil
	}
}

// SeedFromGroup adds the prior members of groupID to bucket. The group is
// listed at most once per run; later buckets reuse that snapshot so customers
// created by this run never count against it. A failed listing is logged and
// the group falls back to in-run detection only.
func (d *Deduplicator) SeedFromGroup(ctx context.Context, bucket, groupID string) {
	if d.directory == nil {
		return
	}
	keys, listed := d.remote[groupID]
	if !listed {
		keys = d.listGroup(ctx, groupID)
	}
	seedKey := bucket + "|" + groupID
	if d.seeded[seedKey] {
		return
	}
	d.add(bucket, keys)
	d.seeded[seedKey] = true
}

func (d *Deduplicator) listGroup(ctx context.Context, groupID string) []string {
	members, err := d.directory.ListGroupMembers(ctx, groupID)
	if err != nil {
		d.logger.WarnContext(ctx, "Could not load existing group members for duplicate check",
			slog.String("groupID", groupID), slog.Any("error", err))
		d.remote[groupID] = nil
		return nil
	}
	var keys []string
	for _, m := range members {
		keys = append(keys, m.Keys()...)
	}
	d.remote[groupID] = keys
	d.logger.InfoContext(ctx, "Loaded existing group members for duplicate check",
		slog.String("groupID", groupID), slog.Int("members", len(members)))
	return keys
}

func (d *Deduplicator) add(bucket string, keys []string) {
	if len(keys) == 0 {
		return
	}
	set, ok := d.seen[bucket]
	if !ok {
		set = make(map[string]struct{})
		d.seen[bucket] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
}
