package domain

import (
	"fmt"
	"strconv"
	"strings"
)

func formatChatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseChatTarget splits a user-supplied chat reference into a numeric id or
// a channel username. "@name" and bare "name" both yield "@name".
func ParseChatTarget(s string) (int64, string, error) {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return 0, "", fmt.Errorf("invalid chat %q: id must be non-zero", s)
		}
		return id, "", nil
	}
	name := strings.TrimPrefix(s, "@")
	if name == "" || strings.ContainsAny(name, " /@") {
		return 0, "", fmt.Errorf("invalid chat %q: expected a numeric id or @username", s)
	}
	return 0, "@" + name, nil
}
