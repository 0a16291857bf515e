package replication

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"pg-replicator/internal/lsn"
)

// Reserved settings keys consumed by the replicator itself. They are stripped
// from the conninfo before it reaches the driver; everything else passes
// through as a connection parameter.
const (
	keySlot           = "slot"
	keyStartPosition  = "start_position"
	keyStartPos       = "startpos"
	keyEndPosition    = "end_position"
	keyEndPos         = "endpos"
	keyTimeline       = "timeline"
	keySystemID       = "systemid"
	keyStatusInterval = "status_interval"
	keyOptions        = "options"
)

// Config is the normalized replication session configuration. It is built
// once by New/NewFromConnString; the bootstrapper fills in values adopted
// from the server (systemid, timeline, dbname, status interval).
type Config struct {
	connCfg        *pgconn.Config
	slot           string
	startPos       lsn.LSN
	endPos         lsn.LSN
	timeline       int32
	systemID       string
	statusInterval time.Duration
	pluginOptions  map[string]string
	dbnameSet      bool
}

func parseSettingsMap(settings map[string]any) (*Config, error) {
	cfg := &Config{pluginOptions: map[string]string{}}
	rest := make(map[string]string)

	for k, v := range settings {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		var err error
		switch k {
		case keySlot:
			cfg.slot, err = stringValue(k, v)
		case keyStartPosition, keyStartPos:
			cfg.startPos, err = lsnValue(k, v)
		case keyEndPosition, keyEndPos:
			cfg.endPos, err = lsnValue(k, v)
		case keyTimeline:
			cfg.timeline, err = timelineValue(v)
		case keySystemID:
			cfg.systemID = fmt.Sprint(v)
		case keyStatusInterval:
			cfg.statusInterval, err = intervalValue(v)
		case keyOptions:
			cfg.pluginOptions, err = pluginOptionsValue(v)
		default:
			rest[k] = fmt.Sprint(v)
		}
		if err != nil {
			return nil, err
		}
	}
	if _, ok := rest["dbname"]; ok {
		cfg.dbnameSet = true
	}
	return finishConfig(cfg, buildConnString(rest))
}

func parseConnString(connString string) (*Config, error) {
	cfg := &Config{
		pluginOptions: map[string]string{},
		dbnameSet:     connStringHasDatabase(connString),
	}
	return finishConfig(cfg, connString)
}

// finishConfig runs the conninfo through the driver's parser, strips any
// reserved keys that arrived as connection parameters, and enforces
// replication=database.
func finishConfig(cfg *Config, connString string) (*Config, error) {
	cc, err := pgconn.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse conninfo: %w", err)
	}
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}

	for _, k := range []string{
		keySlot, keyStartPosition, keyStartPos, keyEndPosition, keyEndPos,
		keyTimeline, keySystemID, keyStatusInterval, keyOptions,
	} {
		v, ok := cc.RuntimeParams[k]
		if !ok {
			continue
		}
		delete(cc.RuntimeParams, k)
		if v == "" {
			continue
		}
		switch k {
		case keySlot:
			cfg.slot = v
		case keyStartPosition, keyStartPos:
			if cfg.startPos, err = lsn.Parse(v); err != nil {
				return nil, fmt.Errorf("setting %s: %w", k, err)
			}
		case keyEndPosition, keyEndPos:
			if cfg.endPos, err = lsn.Parse(v); err != nil {
				return nil, fmt.Errorf("setting %s: %w", k, err)
			}
		case keyTimeline:
			if cfg.timeline, err = timelineValue(v); err != nil {
				return nil, err
			}
		case keySystemID:
			cfg.systemID = v
		case keyStatusInterval:
			if cfg.statusInterval, err = intervalValue(v); err != nil {
				return nil, err
			}
		case keyOptions:
			// In conninfo form plugin options arrive as a comma-separated
			// key=value list; a bare key means on.
			for name, val := range parsePluginOptionList(v) {
				cfg.pluginOptions[name] = val
			}
		}
	}

	cc.RuntimeParams["replication"] = "database"

	if cfg.slot == "" {
		return nil, fmt.Errorf("replication slot is required")
	}
	cfg.connCfg = cc
	return cfg, nil
}

func stringValue(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("setting %s: expected string, got %T", key, v)
	}
	return s, nil
}

func lsnValue(key string, v any) (lsn.LSN, error) {
	switch t := v.(type) {
	case lsn.LSN:
		return t, nil
	case string:
		l, err := lsn.Parse(t)
		if err != nil {
			return 0, fmt.Errorf("setting %s: %w", key, err)
		}
		return l, nil
	case int:
		return lsn.LSN(t), nil
	case int64:
		return lsn.LSN(t), nil
	case uint64:
		return lsn.LSN(t), nil
	default:
		return 0, fmt.Errorf("setting %s: cannot read LSN from %T", key, v)
	}
}

func timelineValue(v any) (int32, error) {
	var n int64
	var err error
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case string:
		n, err = strconv.ParseInt(t, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("setting timeline: %w", err)
		}
	default:
		return 0, fmt.Errorf("setting timeline: cannot read timeline from %T", v)
	}
	if n < 1 {
		return 0, fmt.Errorf("setting timeline: must be a positive integer, got %d", n)
	}
	return int32(n), nil
}

func intervalValue(v any) (time.Duration, error) {
	var d time.Duration
	switch t := v.(type) {
	case time.Duration:
		d = t
	case int:
		d = time.Duration(t) * time.Second
	case int64:
		d = time.Duration(t) * time.Second
	case float64:
		d = time.Duration(t * float64(time.Second))
	case string:
		var err error
		if d, err = time.ParseDuration(t); err != nil {
			secs, ierr := strconv.ParseFloat(t, 64)
			if ierr != nil {
				return 0, fmt.Errorf("setting status_interval: %w", err)
			}
			d = time.Duration(secs * float64(time.Second))
		}
	default:
		return 0, fmt.Errorf("setting status_interval: cannot read interval from %T", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("setting status_interval: must be positive, got %s", d)
	}
	return d, nil
}

func pluginOptionsValue(v any) (map[string]string, error) {
	out := map[string]string{}
	switch t := v.(type) {
	case map[string]string:
		for k, val := range t {
			out[k] = val
		}
	case map[string]any:
		for k, val := range t {
			rendered, err := renderPluginOption(k, val)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
	default:
		return nil, fmt.Errorf("setting options: expected map, got %T", v)
	}
	return out, nil
}

// renderPluginOption turns an option value into the string sent to the output
// plugin. Booleans become on/off to match the server's GUC syntax.
func renderPluginOption(key string, v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		if t {
			return "on", nil
		}
		return "off", nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	default:
		return "", fmt.Errorf("option %s: cannot render value of type %T", key, v)
	}
}

func parsePluginOptionList(v string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, val, ok := strings.Cut(part, "="); ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		} else {
			out[part] = "on"
		}
	}
	return out
}

// pluginArgs composes the quoted option list for START_REPLICATION. Keys are
// quoted as identifiers, values as string literals; keys render in sorted
// order so the command is stable.
func (c *Config) pluginArgs() []string {
	if len(c.pluginOptions) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.pluginOptions))
	for k := range c.pluginOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s %s", quoteIdentifier(k), quoteLiteral(c.pluginOptions[k])))
	}
	return args
}

func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func buildConnString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteConnValue(params[k]))
	}
	return strings.Join(parts, " ")
}

// quoteConnValue escapes a value for the keyword=value conninfo syntax.
func quoteConnValue(s string) string {
	if s != "" && !strings.ContainsAny(s, " '\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// connStringHasDatabase reports whether the caller named a database
// explicitly, as opposed to the driver defaulting one in.
func connStringHasDatabase(connString string) bool {
	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		u, err := url.Parse(connString)
		if err != nil {
			return false
		}
		return strings.TrimPrefix(u.Path, "/") != ""
	}
	return strings.Contains(connString, "dbname=")
}
