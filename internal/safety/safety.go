package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Verdict is the result of evaluating one SQL string. A denied verdict
// never carries a rewrite.
type Verdict struct {
	Allowed      bool     `json:"allowed"`
	Reasons      []string `json:"reasons"`
	RewrittenSQL string   `json:"rewritten_sql,omitempty"`
}

type Config struct {
	DefaultLimit     int
	MaxJoinDepth     int
	MaxSubqueryDepth int
	// PartitionColumns maps date-partitioned tables to their partition
	// column. Queries against these tables get a trailing 30-day filter
	// when the WHERE clause does not bound the column.
	PartitionColumns map[string]string
}

// Engine is a lexical SQL safety analyzer. It is not a parser: it scans
// the text with string-literal and comment masking, which is good enough
// for well-formed input. Evaluate is pure and safe for concurrent use.
type Engine struct {
	cfg Config
}

var mutatingVerbs = []string{
	"CREATE", "DROP", "ALTER", "INSERT", "UPDATE",
	"DELETE", "TRUNCATE", "MERGE", "GRANT", "REVOKE",
}

func isMutatingVerb(word string) bool {
	for _, v := range mutatingVerbs {
		if v == word {
			return true
		}
	}
	return false
}

var (
	dangerousCommentRe = regexp.MustCompile(`(?is)(--|/\*).*?\b(create|alter|drop|truncate|insert|update|delete|merge|grant|revoke)\b`)
	aggregateRe        = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(`)
	groupByRe          = regexp.MustCompile(`(?i)\bgroup\s+by\b`)
)

func NewEngine(cfg Config) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10000
	}
	if cfg.MaxJoinDepth <= 0 {
		cfg.MaxJoinDepth = 5
	}
	if cfg.MaxSubqueryDepth <= 0 {
		cfg.MaxSubqueryDepth = 3
	}
	return &Engine{cfg: cfg}
}

func deny(reasons ...string) Verdict {
	return Verdict{Allowed: false, Reasons: reasons}
}

// Evaluate checks a single SQL statement and either rejects it or
// returns an allowed verdict, possibly with a rewritten statement
// (auto-injected LIMIT and/or partition filter).
func (e *Engine) Evaluate(sql string) Verdict {
	stmt := strings.TrimSpace(sql)
	stmt = strings.TrimSuffix(stmt, ";")
	stmt = strings.TrimRight(stmt, " \t\r\n")

	// Structural scans run over text with string literals blanked out so
	// that quoted semicolons, parens and keywords do not count.
	structural := maskComments(maskLiterals(stmt))

	if strings.Contains(structural, ";") {
		return deny("multiple statements not allowed")
	}

	verb := leadingVerb(structural)
	if isMutatingVerb(verb) {
		return deny(fmt.Sprintf("blocked operation: %s", verb))
	}
	if verb != "SELECT" && verb != "WITH" {
		return deny("only SELECT statements are allowed")
	}

	// A SELECT or WITH lead does not make the statement read-only:
	// WITH d AS (DELETE FROM t RETURNING id) SELECT * FROM d is valid
	// SQL on Postgres. Mutating keywords are blocked at any position.
	upperStructural := strings.ToUpper(structural)
	for _, v := range mutatingVerbs {
		if keywordIndex(upperStructural, v) >= 0 {
			return deny(fmt.Sprintf("blocked operation: %s", v))
		}
	}

	// Mutating keywords hidden in comments are treated as injection
	// attempts even though the live statement is a SELECT: downstream
	// comment stripping cannot be trusted to be consistent.
	if dangerousCommentRe.MatchString(sql) {
		return deny("dangerous SQL found in comments")
	}

	if n := topLevelJoinCount(structural); n > e.cfg.MaxJoinDepth {
		return deny(fmt.Sprintf("join depth exceeds max (%d)", e.cfg.MaxJoinDepth))
	}

	if d := maxSubqueryDepth(structural); d > e.cfg.MaxSubqueryDepth {
		return deny(fmt.Sprintf("subquery nesting exceeds max (%d)", e.cfg.MaxSubqueryDepth))
	}

	rewritten := stmt
	var reasons []string

	if col, ok := e.missingPartitionFilter(structural); ok {
		rewritten = injectPartitionFilter(rewritten, structural, col)
		structural = maskComments(maskLiterals(rewritten))
		reasons = append(reasons, "partition filter auto-added")
	}

	hasAggregate := aggregateRe.MatchString(structural) || groupByRe.MatchString(structural)
	if !hasAggregate && topLevelKeywordIndex(structural, "LIMIT") < 0 {
		rewritten = fmt.Sprintf("%s LIMIT %d", rewritten, e.cfg.DefaultLimit)
		reasons = append(reasons, "LIMIT auto-added")
	}

	v := Verdict{Allowed: true, Reasons: reasons}
	if rewritten != stmt {
		v.RewrittenSQL = rewritten
	}
	return v
}

// maskLiterals blanks the contents of single- and double-quoted strings,
// preserving offsets. A doubled quote inside a literal escapes it.
func maskLiterals(s string) string {
	out := []byte(s)
	var quote byte
	for i := 0; i < len(out); i++ {
		c := out[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(out) && out[i+1] == quote {
					out[i+1] = ' '
					i++
					continue
				}
				quote = 0
				continue
			}
			out[i] = ' '
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
		}
	}
	return string(out)
}

// maskComments blanks line (--) and block (/* */) comments, preserving
// offsets. Must run after maskLiterals so quoted dashes do not match.
func maskComments(s string) string {
	out := []byte(s)
	for i := 0; i < len(out); i++ {
		if out[i] == '-' && i+1 < len(out) && out[i+1] == '-' {
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
			continue
		}
		if out[i] == '/' && i+1 < len(out) && out[i+1] == '*' {
			for i < len(out) {
				if out[i] == '*' && i+1 < len(out) && out[i+1] == '/' {
					out[i], out[i+1] = ' ', ' '
					i++
					break
				}
				out[i] = ' '
				i++
			}
		}
	}
	return string(out)
}

// leadingVerb returns the first keyword of the statement, uppercased.
func leadingVerb(structural string) string {
	trimmed := strings.TrimLeftFunc(structural, unicode.IsSpace)
	end := 0
	for end < len(trimmed) && (isWordByte(trimmed[end])) {
		end++
	}
	return strings.ToUpper(trimmed[:end])
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// eachTopLevelWord visits each word outside parens, uppercased, in
// order, until fn returns true. Must run over masked text so quoted
// parens do not skew the depth.
func eachTopLevelWord(s string, fn func(start int, word string) bool) {
	depth := 0
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '(':
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			i++
		case isWordByte(c):
			start := i
			for i < len(s) && isWordByte(s[i]) {
				i++
			}
			if depth == 0 && fn(start, strings.ToUpper(s[start:i])) {
				return
			}
		default:
			i++
		}
	}
}

// topLevelJoinCount counts JOIN keywords outside parenthesized subqueries.
func topLevelJoinCount(s string) int {
	count := 0
	eachTopLevelWord(s, func(_ int, word string) bool {
		if word == "JOIN" {
			count++
		}
		return false
	})
	return count
}

// topLevelKeywordIndex finds keyword outside parens, or -1.
func topLevelKeywordIndex(s, keyword string) int {
	found := -1
	eachTopLevelWord(s, func(start int, word string) bool {
		if word == keyword {
			found = start
			return true
		}
		return false
	})
	return found
}

// maxSubqueryDepth returns the deepest nesting of parenthesized SELECTs.
func maxSubqueryDepth(structural string) int {
	maxDepth, subDepth := 0, 0
	// Stack of open parens; true marks a paren that opens a subquery.
	var stack []bool
	for i := 0; i < len(structural); i++ {
		switch structural[i] {
		case '(':
			isSub := startsWithSelect(structural[i+1:])
			stack = append(stack, isSub)
			if isSub {
				subDepth++
				if subDepth > maxDepth {
					maxDepth = subDepth
				}
			}
		case ')':
			if n := len(stack); n > 0 {
				if stack[n-1] {
					subDepth--
				}
				stack = stack[:n-1]
			}
		}
	}
	return maxDepth
}

func startsWithSelect(s string) bool {
	trimmed := strings.TrimLeftFunc(s, unicode.IsSpace)
	if len(trimmed) < 6 {
		return false
	}
	if !strings.EqualFold(trimmed[:6], "SELECT") {
		return false
	}
	return len(trimmed) == 6 || !isWordByte(trimmed[6])
}

// missingPartitionFilter reports the partition column of the first
// configured table the query references without bounding its column in
// the WHERE clause.
func (e *Engine) missingPartitionFilter(structural string) (string, bool) {
	upper := strings.ToUpper(structural)
	tables := make([]string, 0, len(e.cfg.PartitionColumns))
	for table := range e.cfg.PartitionColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		col := e.cfg.PartitionColumns[table]
		if !strings.Contains(upper, strings.ToUpper(table)) {
			continue
		}
		whereIdx := keywordIndex(upper, "WHERE")
		if whereIdx >= 0 && keywordIndex(upper[whereIdx:], strings.ToUpper(col)) >= 0 {
			continue
		}
		return col, true
	}
	return "", false
}

// keywordIndex finds word-bounded needle in haystack, or -1.
func keywordIndex(haystack, needle string) int {
	from := 0
	for {
		idx := strings.Index(haystack[from:], needle)
		if idx < 0 {
			return -1
		}
		idx += from
		beforeOK := idx == 0 || !isWordByte(haystack[idx-1])
		after := idx + len(needle)
		afterOK := after >= len(haystack) || !isWordByte(haystack[after])
		if beforeOK && afterOK {
			return idx
		}
		from = idx + len(needle)
	}
}

// topLevelClauseIndex returns the offset of the first trailing clause
// (GROUP BY, HAVING, ORDER BY, LIMIT, OFFSET) outside parens, or -1.
// A GROUP BY or ORDER BY inside a subquery never counts.
func topLevelClauseIndex(structural string) int {
	found := -1
	pending := -1 // GROUP or ORDER awaiting its BY
	eachTopLevelWord(structural, func(start int, word string) bool {
		if pending >= 0 && word == "BY" {
			found = pending
			return true
		}
		pending = -1
		switch word {
		case "HAVING", "LIMIT", "OFFSET":
			found = start
			return true
		case "GROUP", "ORDER":
			pending = start
		}
		return false
	})
	return found
}

// injectPartitionFilter adds "col >= 30 days ago" to the outer query's
// WHERE clause, creating one if absent. The filter lands before the
// first top-level GROUP BY/ORDER BY/LIMIT clause; clauses inside
// subqueries are left alone so the rewrite stays well-formed.
func injectPartitionFilter(stmt, structural, col string) string {
	filter := fmt.Sprintf("%s >= DATE_SUB(CURRENT_DATE(), INTERVAL 30 DAY)", col)

	insertAt := topLevelClauseIndex(structural)
	if insertAt < 0 {
		insertAt = len(stmt)
	}

	head := strings.TrimRight(stmt[:insertAt], " \t\r\n")
	tail := stmt[insertAt:]

	joiner := " WHERE "
	if topLevelKeywordIndex(structural[:insertAt], "WHERE") >= 0 {
		joiner = " AND "
	}

	if tail == "" {
		return head + joiner + filter
	}
	return head + joiner + filter + " " + tail
}
