package ai

import (
	"regexp"
	"strings"
)

var (
	sqlFence        = regexp.MustCompile("(?i)```sql\\n?")
	plainFence      = regexp.MustCompile("```\\n?")
	trailingSemis   = regexp.MustCompile(`;+\s*$`)
	fencedBlockBody = regexp.MustCompile("(?is)```(?:sql)?\\s*\\n(.*?)```")
)

// ExtractSQL turns a model reply into bare SQL: markdown fences and
// trailing semicolons are removed. When the reply wraps a fenced block in
// prose, only the first block is kept.
func ExtractSQL(reply string) string {
	sql := strings.TrimSpace(reply)
	if !strings.HasPrefix(sql, "```") {
		if m := fencedBlockBody.FindStringSubmatch(sql); m != nil {
			sql = m[1]
		}
	}
	sql = sqlFence.ReplaceAllString(sql, "")
	sql = plainFence.ReplaceAllString(sql, "")
	sql = strings.TrimSpace(sql)
	sql = trailingSemis.ReplaceAllString(sql, "")
	return strings.TrimSpace(sql)
}
