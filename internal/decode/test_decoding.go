// Package decode turns textual test_decoding payloads into ChangeEvents.
// The replication engine hands payloads through opaquely; this is the
// consumer-side interpretation used by the service pipeline.
package decode

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pg-replicator/internal/lsn"
	"pg-replicator/internal/model"
)

// commitTimeLayout matches the "(at ...)" suffix COMMIT lines carry when the
// include-timestamp option is on.
const commitTimeLayout = "2006-01-02 15:04:05.999999-07"

// Message decodes one test_decoding payload received at pos.
func Message(pos lsn.LSN, payload []byte) (*model.ChangeEvent, error) {
	s := string(payload)
	evt := &model.ChangeEvent{LSN: pos.String(), Raw: s}

	switch {
	case s == "BEGIN" || strings.HasPrefix(s, "BEGIN "):
		evt.Operation = model.OperationBegin
		evt.Xid = parseXid(strings.TrimPrefix(s, "BEGIN"))
	case s == "COMMIT" || strings.HasPrefix(s, "COMMIT "):
		evt.Operation = model.OperationCommit
		rest := strings.TrimPrefix(s, "COMMIT")
		if at := strings.Index(rest, "(at "); at >= 0 {
			if ts, err := time.Parse(commitTimeLayout, strings.TrimSuffix(rest[at+4:], ")")); err == nil {
				evt.CommitTime = ts
			}
			rest = rest[:at]
		}
		evt.Xid = parseXid(rest)
	case strings.HasPrefix(s, "table "):
		if err := parseTableLine(evt, s[len("table "):]); err != nil {
			return nil, err
		}
	case strings.HasPrefix(s, "message:"):
		evt.Operation = model.OperationMessage
	default:
		return nil, fmt.Errorf("unrecognized test_decoding payload: %.60q", s)
	}
	return evt, nil
}

func parseXid(s string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseTableLine reads "schema.name: OP: columns...".
func parseTableLine(evt *model.ChangeEvent, s string) error {
	sep := strings.Index(s, ": ")
	if sep < 0 {
		return fmt.Errorf("malformed table line: %.60q", s)
	}
	qualified := s[:sep]
	rest := s[sep+2:]

	if dot := strings.Index(qualified, "."); dot >= 0 {
		evt.Schema = qualified[:dot]
		evt.Table = qualified[dot+1:]
	} else {
		evt.Table = qualified
	}

	opEnd := strings.Index(rest, ":")
	if opEnd < 0 {
		return fmt.Errorf("malformed table line: %.60q", s)
	}
	op := rest[:opEnd]
	switch op {
	case "INSERT":
		evt.Operation = model.OperationInsert
	case "UPDATE":
		evt.Operation = model.OperationUpdate
	case "DELETE":
		evt.Operation = model.OperationDelete
	case "TRUNCATE":
		evt.Operation = model.OperationTruncate
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	evt.Columns = parseColumns(strings.TrimLeft(rest[opEnd+1:], " "))
	return nil
}

// parseColumns walks "name[type]:value ..." with a cursor. Values are either
// single-quoted literals with doubled-quote escapes or bare tokens; the
// literal token null is a SQL NULL.
func parseColumns(s string) []model.Column {
	var cols []model.Column
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) || strings.HasPrefix(s[i:], "(no-tuple-data)") {
			break
		}

		name, next, ok := scanName(s, i)
		if !ok {
			break
		}
		i = next // at '['
		end := strings.IndexByte(s[i:], ']')
		if end < 0 {
			break
		}
		typ := s[i+1 : i+end]
		i += end + 1
		if i >= len(s) || s[i] != ':' {
			break
		}
		i++

		col := model.Column{Name: name, Type: typ}
		if i < len(s) && s[i] == '\'' {
			value, next, ok := scanLiteral(s, i)
			if !ok {
				break
			}
			col.Value = value
			i = next
		} else {
			end := strings.IndexByte(s[i:], ' ')
			if end < 0 {
				end = len(s) - i
			}
			token := s[i : i+end]
			if token == "null" {
				col.Null = true
			} else {
				col.Value = token
			}
			i += end
		}
		cols = append(cols, col)
	}
	return cols
}

// scanName reads a column name up to the type bracket, honoring quoted
// identifiers with doubled-quote escapes.
func scanName(s string, i int) (string, int, bool) {
	if s[i] != '"' {
		end := strings.IndexByte(s[i:], '[')
		if end < 0 {
			return "", 0, false
		}
		return s[i : i+end], i + end, true
	}
	var b strings.Builder
	j := i + 1
	for j < len(s) {
		if s[j] == '"' {
			if j+1 < len(s) && s[j+1] == '"' {
				b.WriteByte('"')
				j += 2
				continue
			}
			j++
			if j >= len(s) || s[j] != '[' {
				return "", 0, false
			}
			return b.String(), j, true
		}
		b.WriteByte(s[j])
		j++
	}
	return "", 0, false
}

// scanLiteral reads a single-quoted value starting at i, returning the
// unescaped text and the index just past the closing quote.
func scanLiteral(s string, i int) (string, int, bool) {
	var b strings.Builder
	j := i + 1
	for j < len(s) {
		if s[j] == '\'' {
			if j+1 < len(s) && s[j+1] == '\'' {
				b.WriteByte('\'')
				j += 2
				continue
			}
			return b.String(), j + 1, true
		}
		b.WriteByte(s[j])
		j++
	}
	return "", 0, false
}
