package registry

import (
	"context"
	"errors"
	"log"
	"reflect"

	"github.com/ignite/usda-monitor/internal/domain"
)

// ConfigStore is the persistence surface the reconciler needs.
type ConfigStore interface {
	GetReportConfig(ctx context.Context, reportID string) (map[string]any, error)
	UpsertReportConfig(ctx context.Context, reportID, name string, cfg map[string]any) error
	ListReportConfigs(ctx context.Context) (map[string]map[string]any, error)
	EnsureRecipient(ctx context.Context, email, name string, reportIDs []string) error
}

// Reconcile seeds missing report rows with the defaults, merges missing
// keys from the defaults into existing rows (preserving operator edits),
// applies report-specific config upgrades, seeds default recipients, and
// finally republishes the registry from the stored configs.
func Reconcile(ctx context.Context, store ConfigStore, reg *Registry) error {
	for _, def := range DefaultReports() {
		defMap := def.ToMap()
		stored, err := store.GetReportConfig(ctx, def.ReportID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if err := store.UpsertReportConfig(ctx, def.ReportID, def.Name, defMap); err != nil {
				return err
			}
			log.Printf("[Bootstrap] Seeded default config for %s", def.ReportID)
		case err != nil:
			return err
		default:
			merged := mergeMissing(stored, defMap)
			merged = upgradeConfig(def.ReportID, merged, defMap)
			if !reflect.DeepEqual(merged, stored) {
				if err := store.UpsertReportConfig(ctx, def.ReportID, def.Name, merged); err != nil {
					return err
				}
				log.Printf("[Bootstrap] Upgraded stored config for %s", def.ReportID)
			}
		}
	}

	for _, r := range DefaultRecipients() {
		if err := store.EnsureRecipient(ctx, r.Email, r.Name, r.Reports); err != nil {
			return err
		}
	}

	return Reload(ctx, store, reg)
}

// Reload republishes the registry from the stored configs. Rows that fail
// to parse are config_invalid: they are logged and skipped, so the
// previously published config (default or older edit) stays in effect.
func Reload(ctx context.Context, store ConfigStore, reg *Registry) error {
	stored, err := store.ListReportConfigs(ctx)
	if err != nil {
		return err
	}

	current := reg.Current()
	var reports []ReportConfig
	for _, def := range current.Reports {
		data, ok := stored[def.ReportID]
		if !ok {
			reports = append(reports, def)
			continue
		}
		cfg, err := FromMap(data)
		if err != nil {
			log.Printf("[Bootstrap] config_invalid for %s, keeping previous: %v", def.ReportID, err)
			reports = append(reports, def)
			continue
		}
		reports = append(reports, cfg)
	}

	reg.Publish(reports)
	return nil
}

// mergeMissing copies default keys absent from the stored config, merging
// nested objects recursively and replacing empty lists. Operator values
// always win.
func mergeMissing(current, def map[string]any) map[string]any {
	merged := make(map[string]any, len(current))
	for k, v := range current {
		merged[k] = v
	}
	for key, defVal := range def {
		curVal, ok := merged[key]
		if !ok {
			merged[key] = defVal
			continue
		}
		if defMap, isMap := defVal.(map[string]any); isMap {
			if curMap, isMap := curVal.(map[string]any); isMap {
				merged[key] = mergeMissing(curMap, defMap)
				continue
			}
		}
		if defList, isList := defVal.([]any); isList {
			if curList, isList := curVal.([]any); isList && len(curList) == 0 {
				merged[key] = defList
			}
		}
	}
	return merged
}

// Stale required_fields shapes replaced by upgradeConfig.
var staleRequiredFields = map[string][]string{
	"PK600_AFTERNOON_CUTOUT": {"cutout_value", "primal_value"},
	"HG201_CME_INDEX":        {"avg_net_price", "head_count"},
}

// upgradeConfig swaps in the current default required_fields when the
// stored list matches a known stale shape from an earlier release.
func upgradeConfig(reportID string, current, def map[string]any) map[string]any {
	stale, ok := staleRequiredFields[reportID]
	if !ok {
		return current
	}
	schema, ok := current["schema"].(map[string]any)
	if !ok {
		return current
	}
	required := asSlice(schema["required_fields"])
	if len(required) != len(stale) {
		return current
	}
	for i, f := range stale {
		if asString(required[i]) != f {
			return current
		}
	}
	defSchema, ok := def["schema"].(map[string]any)
	if !ok {
		return current
	}

	updated := make(map[string]any, len(current))
	for k, v := range current {
		updated[k] = v
	}
	newSchema := make(map[string]any, len(schema))
	for k, v := range schema {
		newSchema[k] = v
	}
	newSchema["required_fields"] = defSchema["required_fields"]
	updated["schema"] = newSchema
	return updated
}
