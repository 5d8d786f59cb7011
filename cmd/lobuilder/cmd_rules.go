package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"lobuilder/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and edit the evaluation rule document",
}

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active rule document",
	RunE: func(cmd *cobra.Command, args []string) error {
		rs := openRules()
		res := rs.LoadResult()
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("# %s (%s)", res.Source, res.Status)))

		cfg := rs.Get()
		if cfg.APIKey != "" && cfg.APIKey != rules.EnvironSentinel {
			cfg.APIKey = "********"
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one rule value",
	Long:  "Print one rule value. Keys: " + strings.Join(rules.Keys, ", "),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := openRules().Get()
		v, ok := cfg.Value(args[0])
		if !ok {
			return fmt.Errorf("unknown rule key %q", args[0])
		}
		if args[0] == "API_key" && v != rules.EnvironSentinel && v != "" {
			v = "********"
		}
		return printValue(cmd, v)
	},
}

var rulesSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Replace one rule value",
	Long: `Replace one rule value and persist the document.

The value is read as JSON when it parses as JSON, and as a plain string
otherwise. Word lists also accept comma-separated text and ranges accept
"min-max".`,
	Example: `  lobuilder rules set selected_model gemini-2.5-pro
  lobuilder rules set BANNED "understand, know, learn"
  lobuilder rules set "12 Points" 4-6`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs := openRules()
		value, err := coerceValue(rs.Get(), args[0], args[1])
		if err != nil {
			return err
		}
		if err := rs.Replace(args[0], value); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("updated "+args[0]))
		return nil
	},
}

var rulesResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace the rule document with the defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openRules().ResetToDefault(); err != nil {
			return fmt.Errorf("failed to reset to default: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("rules reset to defaults"))
		return nil
	},
}

var rulesWordsCmd = &cobra.Command{
	Use:   "words <level>",
	Short: "List the verbs suggested for a unit level",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("level must be an integer: %q", args[0])
		}
		words, err := openRules().WordsForLevel(level)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rules.JoinComma(words))
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesShowCmd)
	rulesCmd.AddCommand(rulesGetCmd)
	rulesCmd.AddCommand(rulesSetCmd)
	rulesCmd.AddCommand(rulesResetCmd)
	rulesCmd.AddCommand(rulesWordsCmd)
}

func openRules() *rules.Store {
	var opts []rules.Option
	if appCfg.Rules.DefaultPath != "" {
		opts = append(opts, rules.WithDefaultPath(appCfg.Rules.DefaultPath))
	}
	return rules.Open(appCfg.Rules.Path, opts...)
}

// coerceValue turns command-line text into a value for key, using the type of
// the current value to pick the text form.
func coerceValue(cfg *rules.EvaluationConfig, key, text string) (interface{}, error) {
	current, ok := cfg.Value(key)
	if !ok {
		return nil, fmt.Errorf("unknown rule key %q", key)
	}
	if json.Valid([]byte(text)) {
		var decoded interface{}
		_ = json.Unmarshal([]byte(text), &decoded)
		switch decoded.(type) {
		case []interface{}, string:
			return json.RawMessage(text), nil
		}
	}
	switch current.(type) {
	case []string:
		return rules.SplitComma(text), nil
	case rules.Range:
		return rules.DashToRange(text)
	}
	return text, nil
}

func printValue(cmd *cobra.Command, v interface{}) error {
	w := cmd.OutOrStdout()
	switch x := v.(type) {
	case string:
		fmt.Fprintln(w, x)
	case []string:
		fmt.Fprintln(w, rules.JoinComma(x))
	case rules.Range:
		fmt.Fprintln(w, rules.RangeToDash(x))
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	}
	return nil
}
