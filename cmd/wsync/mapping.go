package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/worksync/worksync/internal/mapping"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/transform"
	"github.com/worksync/worksync/internal/types"
)

// mappingBundle is the YAML document 'mapping import' consumes and
// 'mapping export' produces. Types, fields, and statuses are referenced by
// the names discovery persisted, never by row ids, so bundles survive
// re-discovery and move between environments.
type mappingBundle struct {
	Config string       `yaml:"config,omitempty"`
	Types  []typeBundle `yaml:"types"`
}

type typeBundle struct {
	SourceType string         `yaml:"source_type"`
	TargetType string         `yaml:"target_type"`
	Active     *bool          `yaml:"active,omitempty"`
	Fields     []fieldBundle  `yaml:"fields"`
	Statuses   []statusBundle `yaml:"statuses,omitempty"`
}

type fieldBundle struct {
	Source         string       `yaml:"source,omitempty"`
	Target         string       `yaml:"target"`
	Kind           string       `yaml:"kind,omitempty"` // default: direct, or constant when value is set
	Value          any          `yaml:"value,omitempty"`
	Required       bool         `yaml:"required,omitempty"`
	Transformation []bundleStep `yaml:"transformation,omitempty"`
	Reverse        []bundleStep `yaml:"reverse,omitempty"`
}

type bundleStep struct {
	Name string         `yaml:"name"`
	Args map[string]any `yaml:"args,omitempty"`
}

type statusBundle struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

var mappingCmd = &cobra.Command{
	Use:     "mapping",
	Aliases: []string{"mappings"},
	Short:   "Import, export, and validate mapping bundles",
}

var mappingImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a YAML mapping bundle into a sync configuration",
	Long: `Import a YAML mapping bundle, replacing the configuration's current
mappings in one transaction. '-' reads the bundle from stdin.

Bundle names resolve against discovered metadata, so run
'wsync connector discover' on both connectors first.

Example bundle:
  types:
    - source_type: Bug
      target_type: Incident
      fields:
        - {source: title, target: title, kind: direct, required: true}
        - {source: description, target: description}
        - {target: udf_origin, kind: constant, value: azure}
        - source: priority
          target: priority
          kind: transformation
          transformation:
            - {name: priorityMap, args: {"1": High, "2": Medium}}
      statuses:
        - {source: New, target: Open}
        - {source: Closed, target: Closed}`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		appendMode, _ := cmd.Flags().GetBool("append")
		configFlag, _ := cmd.Flags().GetString("sync-config")

		raw, err := readBundleFile(args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		var bundle mappingBundle
		if err := yaml.Unmarshal(raw, &bundle); err != nil {
			FatalErrorRespectJSON("parse bundle: %v", err)
		}
		if len(bundle.Types) == 0 {
			FatalErrorRespectJSON("bundle has no type mappings")
		}

		configRef := configFlag
		if configRef == "" {
			configRef = bundle.Config
		}
		if configRef == "" {
			FatalErrorRespectJSON("no config named in the bundle; pass --sync-config")
		}
		cfg, err := findConfig(rootCtx, configRef)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		rows, err := resolveBundle(rootCtx, cfg, &bundle)
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}

		err = db.RunInTransaction(rootCtx, func(tx store.Tx) error {
			if !appendMode {
				if err := tx.DeleteTypeMappings(rootCtx, cfg.ID); err != nil {
					return fmt.Errorf("clear existing mappings: %w", err)
				}
			}
			for _, row := range rows {
				if err := tx.CreateTypeMapping(rootCtx, row.typeMapping); err != nil {
					return err
				}
				for _, fm := range row.fields {
					fm.TypeMappingID = row.typeMapping.ID
					if err := tx.CreateFieldMapping(rootCtx, fm); err != nil {
						return err
					}
				}
				for _, sm := range row.statuses {
					sm.TypeMappingID = row.typeMapping.ID
					if err := tx.CreateStatusMapping(rootCtx, sm); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			FatalErrorRespectJSON("import mappings: %v", err)
		}
		mapping.NewEngine(db).ClearCache(cfg.ID)

		fields, statuses := 0, 0
		for _, row := range rows {
			fields += len(row.fields)
			statuses += len(row.statuses)
		}
		if jsonOutput {
			outputJSON(map[string]any{
				"config":          cfg.ID,
				"type_mappings":   len(rows),
				"field_mappings":  fields,
				"status_mappings": statuses,
				"replaced":        !appendMode,
			})
			return
		}
		fmt.Printf("Imported %d type mappings (%d fields, %d statuses) into %q\n",
			len(rows), fields, statuses, cfg.Name)
	},
}

var mappingExportCmd = &cobra.Command{
	Use:   "export [config]",
	Short: "Export a configuration's mappings as a YAML bundle",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		outPath, _ := cmd.Flags().GetString("out")

		cfg, err := findConfig(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		cm, err := db.LoadConfigMappings(rootCtx, cfg.ID)
		if err != nil {
			FatalErrorRespectJSON("load mappings: %v", err)
		}

		bundle := mappingBundle{Config: cfg.Name}
		for i := range cm.Types {
			tm := &cm.Types[i]
			tb := typeBundle{
				SourceType: tm.SourceTypeName,
				TargetType: tm.TargetTypeName,
			}
			if !tm.Active {
				active := false
				tb.Active = &active
			}
			for j := range tm.Fields {
				fm := &tm.Fields[j]
				fb := fieldBundle{
					Source:   fm.SourceRef,
					Target:   fm.TargetRef,
					Kind:     string(fm.Kind),
					Required: fm.Required,
				}
				if len(fm.ConstantValue) > 0 {
					var v any
					if err := json.Unmarshal(fm.ConstantValue, &v); err == nil {
						fb.Value = v
					}
				}
				fb.Transformation = stepsToBundle(fm.Transformation)
				fb.Reverse = stepsToBundle(fm.ReverseTransformation)
				tb.Fields = append(tb.Fields, fb)
			}
			for j := range tm.Statuses {
				sm := &tm.Statuses[j]
				tb.Statuses = append(tb.Statuses, statusBundle{
					Source: sm.SourceStatusName,
					Target: sm.TargetStatusName,
				})
			}
			bundle.Types = append(bundle.Types, tb)
		}

		raw, err := yaml.Marshal(&bundle)
		if err != nil {
			FatalErrorRespectJSON("encode bundle: %v", err)
		}
		if outPath == "" || outPath == "-" {
			fmt.Print(string(raw))
			return
		}
		if err := os.WriteFile(outPath, raw, 0o644); err != nil {
			FatalErrorRespectJSON("write %s: %v", outPath, err)
		}
		if !jsonOutput {
			fmt.Printf("Exported %d type mappings to %s\n", len(bundle.Types), outPath)
		}
	},
}

var mappingValidateCmd = &cobra.Command{
	Use:   "validate [config]",
	Short: "Validate a configuration's persisted mappings",
	Long: `Check the configuration's mapping graph: unknown transformation
functions are errors; data-type mismatches, irreversible transformations on
bidirectional configs, and read-only targets are warnings.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := findConfig(rootCtx, args[0])
		if err != nil {
			FatalErrorRespectJSON("%v", err)
		}
		result, err := mapping.NewEngine(db).ValidateMappings(rootCtx, cfg.ID)
		if err != nil {
			FatalErrorRespectJSON("validate mappings: %v", err)
		}
		if jsonOutput {
			outputJSON(result)
			if !result.Valid {
				os.Exit(1)
			}
			return
		}
		if len(result.Issues) == 0 {
			fmt.Printf("✓ Mappings for %q are valid\n", cfg.Name)
			return
		}
		for _, issue := range result.Issues {
			fmt.Printf("  %-7s %s\n", issue.Severity, issue.Message)
		}
		if !result.Valid {
			os.Exit(1)
		}
	},
}

func init() {
	mappingImportCmd.Flags().String("sync-config", "", "Target sync config id or name (overrides the bundle's 'config' key)")
	mappingImportCmd.Flags().Bool("append", false, "Add to the existing mappings instead of replacing them")
	mappingExportCmd.Flags().String("out", "", "Write the bundle to a file instead of stdout")

	mappingCmd.AddCommand(mappingImportCmd)
	mappingCmd.AddCommand(mappingExportCmd)
	mappingCmd.AddCommand(mappingValidateCmd)
	rootCmd.AddCommand(mappingCmd)
}

func readBundleFile(path string) ([]byte, error) {
	if path == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return raw, nil
}

// resolvedType is one bundle type block converted to persistable rows.
type resolvedType struct {
	typeMapping *types.TypeMapping
	fields      []*types.FieldMapping
	statuses    []*types.StatusMapping
}

// resolveBundle converts bundle names to metadata row ids and validates every
// mapping before anything is persisted.
func resolveBundle(ctx context.Context, cfg *types.SyncConfig, bundle *mappingBundle) ([]resolvedType, error) {
	sourceTypes, err := db.ListWorkItemTypes(ctx, cfg.SourceConnectorID)
	if err != nil {
		return nil, fmt.Errorf("load source metadata: %w", err)
	}
	targetTypes, err := db.ListWorkItemTypes(ctx, cfg.TargetConnectorID)
	if err != nil {
		return nil, fmt.Errorf("load target metadata: %w", err)
	}
	if len(sourceTypes) == 0 || len(targetTypes) == 0 {
		return nil, fmt.Errorf("no discovered metadata; run 'wsync connector discover' on both connectors first")
	}

	out := make([]resolvedType, 0, len(bundle.Types))
	for i := range bundle.Types {
		tb := &bundle.Types[i]
		srcType, err := typeByName(sourceTypes, tb.SourceType, "source")
		if err != nil {
			return nil, err
		}
		tgtType, err := typeByName(targetTypes, tb.TargetType, "target")
		if err != nil {
			return nil, err
		}

		row := resolvedType{typeMapping: &types.TypeMapping{
			SyncConfigID: cfg.ID,
			SourceTypeID: srcType.ID,
			TargetTypeID: tgtType.ID,
			Active:       tb.Active == nil || *tb.Active,
		}}

		srcFields, err := db.ListFields(ctx, srcType.ID)
		if err != nil {
			return nil, fmt.Errorf("fields of %q: %w", srcType.Name, err)
		}
		tgtFields, err := db.ListFields(ctx, tgtType.ID)
		if err != nil {
			return nil, fmt.Errorf("fields of %q: %w", tgtType.Name, err)
		}

		for j := range tb.Fields {
			fm, err := resolveField(&tb.Fields[j], tb, srcFields, tgtFields)
			if err != nil {
				return nil, err
			}
			row.fields = append(row.fields, fm)
		}

		if len(tb.Statuses) > 0 {
			srcStatuses, err := db.ListStatuses(ctx, srcType.ID)
			if err != nil {
				return nil, fmt.Errorf("statuses of %q: %w", srcType.Name, err)
			}
			tgtStatuses, err := db.ListStatuses(ctx, tgtType.ID)
			if err != nil {
				return nil, fmt.Errorf("statuses of %q: %w", tgtType.Name, err)
			}
			for j := range tb.Statuses {
				sb := &tb.Statuses[j]
				src, err := statusByName(srcStatuses, sb.Source, srcType.Name)
				if err != nil {
					return nil, err
				}
				tgt, err := statusByName(tgtStatuses, sb.Target, tgtType.Name)
				if err != nil {
					return nil, err
				}
				row.statuses = append(row.statuses, &types.StatusMapping{
					SourceStatusID: src.ID,
					TargetStatusID: tgt.ID,
				})
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// resolveField converts one bundle field to a FieldMapping row and validates
// it, including its transformation chains.
func resolveField(fb *fieldBundle, tb *typeBundle, srcFields, tgtFields []types.FieldDef) (*types.FieldMapping, error) {
	where := fmt.Sprintf("type %s -> %s, field %s -> %s", tb.SourceType, tb.TargetType, fb.Source, fb.Target)

	kind := types.MappingKind(fb.Kind)
	if fb.Kind == "" {
		switch {
		case fb.Value != nil:
			kind = types.MappingConstant
		case len(fb.Transformation) > 0:
			kind = types.MappingTransformation
		default:
			kind = types.MappingDirect
		}
	}

	fm := &types.FieldMapping{Kind: kind, Required: fb.Required}

	if fb.Target == "" {
		return nil, fmt.Errorf("%s: every field mapping needs a target", where)
	}
	tgt, err := fieldByRef(tgtFields, fb.Target, tb.TargetType)
	if err != nil {
		return nil, err
	}
	fm.TargetFieldID = tgt.ID

	if kind != types.MappingConstant {
		if fb.Source == "" {
			return nil, fmt.Errorf("%s: kind %s needs a source field", where, kind)
		}
		src, err := fieldByRef(srcFields, fb.Source, tb.SourceType)
		if err != nil {
			return nil, err
		}
		fm.SourceFieldID = src.ID
	}

	if fb.Value != nil {
		raw, err := json.Marshal(fb.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: encode constant: %w", where, err)
		}
		fm.ConstantValue = raw
	}

	if fm.Transformation, err = encodeSteps(fb.Transformation, where); err != nil {
		return nil, err
	}
	if fm.ReverseTransformation, err = encodeSteps(fb.Reverse, where); err != nil {
		return nil, err
	}

	if err := fm.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	return fm, nil
}

// encodeSteps converts bundle transformation steps to the stored JSON spec,
// rejecting unknown function names up front.
func encodeSteps(steps []bundleStep, where string) (json.RawMessage, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	spec := make([]transform.Step, 0, len(steps))
	for _, s := range steps {
		if !transform.Known(s.Name) {
			return nil, fmt.Errorf("%s: unknown transformation %q", where, s.Name)
		}
		spec = append(spec, transform.Step{Name: s.Name, Args: normalizeArgs(s.Args)})
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: encode transformation: %w", where, err)
	}
	// Round-trip through the parser so imports fail here, not at sync time.
	if _, err := transform.ParseSpec(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	return raw, nil
}

// normalizeArgs rewrites yaml.v3's map[string]any values so nested maps are
// JSON-encodable (YAML decodes nested mappings to map[string]any already, but
// map keys of other kinds come out as map[any]any inside lists).
func normalizeArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return normalizeArgs(vv)
	case map[any]any:
		m := make(map[string]any, len(vv))
		for k, val := range vv {
			m[fmt.Sprint(k)] = normalizeValue(val)
		}
		return m
	case []any:
		for i := range vv {
			vv[i] = normalizeValue(vv[i])
		}
		return vv
	default:
		return v
	}
}

func stepsToBundle(raw json.RawMessage) []bundleStep {
	if len(raw) == 0 {
		return nil
	}
	steps, err := transform.ParseSpec(raw)
	if err != nil {
		return nil
	}
	out := make([]bundleStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, bundleStep{Name: s.Name, Args: s.Args})
	}
	return out
}

func typeByName(list []types.WorkItemType, name, side string) (*types.WorkItemType, error) {
	for i := range list {
		if strings.EqualFold(list[i].Name, name) {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("no discovered %s type named %q", side, name)
}

func fieldByRef(list []types.FieldDef, ref, typeName string) (*types.FieldDef, error) {
	for i := range list {
		if strings.EqualFold(list[i].ReferenceName, ref) {
			return &list[i], nil
		}
	}
	for i := range list {
		if strings.EqualFold(list[i].Name, ref) {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("type %q has no field %q; check 'wsync connector discover' output", typeName, ref)
}

func statusByName(list []types.StatusDef, name, typeName string) (*types.StatusDef, error) {
	for i := range list {
		if strings.EqualFold(list[i].Name, name) || strings.EqualFold(list[i].Value, name) {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("type %q has no status %q", typeName, name)
}
