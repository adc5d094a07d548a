package customer

import (
	"context"
	"customer-import/internal/pkg/apperrors"
	"fmt"
	"log/slog"
	"strings"
)

// Grouper decides which remote group a record belongs to and resolves group
// names to remote ids once per run.
type Grouper struct {
	explicit  string
	fallback  string
	directory Directory
	cache     map[string]string
	logger    *slog.Logger
}

func NewGrouper(directory Directory, explicitGroup, fallbackGroup string, logger *slog.Logger) *Grouper {
	if directory == nil {
		panic("grouper directory cannot be nil")
	}
	return &Grouper{
		explicit:  strings.TrimSpace(explicitGroup),
		fallback:  strings.TrimSpace(fallbackGroup),
		directory: directory,
		cache:     make(map[string]string),
		logger:    componentLogger(logger, "Grouper"),
	}
}

// Assign returns the group for rec without touching the remote service.
func (g *Grouper) Assign(rec *Record) (Group, error) {
	var week *WeekKey
	if rec.Timestamp != nil {
		w := WeekOf(*rec.Timestamp)
		week = &w
	}

	switch {
	case g.explicit != "":
		return Group{Name: g.explicit, Week: week}, nil
	case week != nil:
		return Group{Name: week.GroupName(), Week: week}, nil
	case g.fallback != "":
		return Group{Name: g.fallback}, nil
	default:
		return Group{}, fmt.Errorf("%w: line %d has no usable timestamp and no group was given", apperrors.ErrGrouping, rec.Line)
	}
}

// Resolve finds or creates the named group. Successful lookups are cached for
// the lifetime of the Grouper; failures are not.
func (g *Grouper) Resolve(ctx context.Context, name string) (id string, created bool, err error) {
	if id, ok := g.cache[name]; ok {
		return id, false, nil
	}

	logCtx := g.logger.With(slog.String("group", name))
	id, err = g.directory.FindGroupByName(ctx, name)
	if err != nil {
		logCtx.WarnContext(ctx, "Group lookup failed", slog.Any("error", err))
		return "", false, fmt.Errorf("looking up group %q: %w", name, err)
	}
	if id != "" {
		logCtx.InfoContext(ctx, "Found existing customer group", slog.String("groupID", id))
		g.cache[name] = id
		return id, false, nil
	}

	id, err = g.directory.CreateGroup(ctx, name)
	if err != nil {
		logCtx.ErrorContext(ctx, "Group creation failed", slog.Any("error", err))
		return "", false, fmt.Errorf("creating group %q: %w", name, err)
	}
	logCtx.InfoContext(ctx, "Created customer group", slog.String("groupID", id))
	g.cache[name] = id
	return id, true, nil
}
