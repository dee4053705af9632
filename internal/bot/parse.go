package bot

import (
	"fmt"
	"strconv"
	"strings"

	"digest_bot/internal/config"
	"digest_bot/internal/model"
)

// SourceRef identifies a source by numeric ID or public handle.
type SourceRef struct {
	ID     int64
	Handle string
}

// ParseSourceRef parses a single "<id>", "@handle", "handle" or t.me link argument.
func ParseSourceRef(args string) (SourceRef, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return SourceRef{}, fmt.Errorf("source is required")
	}
	s := fields[0]
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return SourceRef{}, fmt.Errorf("invalid source ID %q", s)
		}
		return SourceRef{ID: id}, nil
	}
	srcs, err := config.ParseSourceList(s)
	if err != nil || len(srcs) != 1 || srcs[0].Handle == "" {
		return SourceRef{}, fmt.Errorf("invalid source %q", s)
	}
	return SourceRef{Handle: srcs[0].Handle}, nil
}

// ParseAddArgs parses the sources of an /add command, separated by spaces or commas.
func ParseAddArgs(args string) ([]model.Source, error) {
	list, err := config.ParseSourceList(strings.Join(strings.Fields(args), ","))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("usage: /add <@handle | id | id:handle> ...")
	}
	for i := range list {
		list[i].Origin = model.OriginAdmin
	}
	return list, nil
}
