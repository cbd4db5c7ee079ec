package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/PipeScope/internal/api"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/pipeline"
)

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Work with stage overrides",
	Long: `Parse, show and store element chains that replace the default element of an
overridable stage. An override is read from PIPESCOPE_OVERRIDE_<STAGE>_ELEMENT
first, then from the overrides section of the config file.`,
}

var overrideParseCmd = &cobra.Command{
	Use:     "parse DESCRIPTION",
	Short:   "Parse and validate an element chain",
	Example: `  pipescope override parse "queue ! identity name=myConverter silent=true"`,
	Args:    cobra.ExactArgs(1),
	RunE:    runOverrideParse,
}

var overrideShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show how every stage resolves",
	Long:  `Show the chain each stage would build under the current config and environment.`,
	RunE:  runOverrideShow,
}

var overrideSetCmd = &cobra.Command{
	Use:     "set STAGE DESCRIPTION",
	Short:   "Store an override in the config file",
	Example: `  pipescope override set video_conversion "identity name=myConverter"`,
	Args:    cobra.ExactArgs(2),
	RunE:    runOverrideSet,
}

var overrideUnsetCmd = &cobra.Command{
	Use:   "unset STAGE",
	Short: "Remove an override from the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideUnset,
}

var overrideFormat string

func init() {
	rootCmd.AddCommand(overrideCmd)
	overrideCmd.AddCommand(overrideParseCmd)
	overrideCmd.AddCommand(overrideShowCmd)
	overrideCmd.AddCommand(overrideSetCmd)
	overrideCmd.AddCommand(overrideUnsetCmd)

	overrideShowCmd.Flags().StringVarP(&overrideFormat, "format", "f", "table", "output format (table or json)")
}

// checkChain parses description and instantiates it on the engine, so unknown factories,
// bad property values and refused links are reported before anything is stored
func checkChain(description, engineName string) (override.Chain, error) {
	chain, err := override.ParseChain(description)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	eng, err := newEngine(engineName)
	if err != nil {
		return nil, err
	}
	if err := pipeline.NewBuilder(eng, nil).Check(chain); err != nil {
		return nil, fmt.Errorf("invalid chain for %s engine: %w", eng.Name(), err)
	}
	return chain, nil
}

func runOverrideParse(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	chain, err := checkChain(args[0], configMgr.Get().Engine)
	if err != nil {
		return err
	}

	fmt.Println(chain.String())
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tFACTORY\tNAME\tPROPERTIES")
	for i, d := range chain {
		props := len(d.Properties)
		name := d.Name
		if name == "" {
			name = "(auto)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", i, d.Factory, name, props)
	}
	return w.Flush()
}

func runOverrideShow(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	views := api.ResolveAll(override.NewResolver(configMgr, nil))

	switch overrideFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(views)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSOURCE\tCHAIN")
		for _, v := range views {
			source := "default"
			if v.Overridden {
				source = "override"
			}
			chain := v.Chain
			if v.Error != "" {
				source = "error"
				chain = v.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", v.Stage, source, chain)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", overrideFormat)
	}
}

func stageArg(resolver *override.Resolver, name string) (override.Stage, error) {
	stage := override.Stage(name)
	if _, ok := resolver.Default(stage); !ok {
		return "", fmt.Errorf("unknown stage: %s (use one of %v)", name, resolver.Stages())
	}
	return stage, nil
}

func runOverrideSet(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	stage, err := stageArg(override.NewResolver(configMgr, nil), args[0])
	if err != nil {
		return err
	}
	chain, err := checkChain(args[1], configMgr.Get().Engine)
	if err != nil {
		return err
	}

	if err := configMgr.SetOverride(stage, chain.String()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Override stored: %s = %s\n", stage, chain)
	if _, shadowed := os.LookupEnv(override.EnvKey(stage)); shadowed {
		fmt.Fprintf(os.Stderr, "Note: %s is set and takes precedence\n", override.EnvKey(stage))
	}
	return nil
}

func runOverrideUnset(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	stage, err := stageArg(override.NewResolver(configMgr, nil), args[0])
	if err != nil {
		return err
	}
	if err := configMgr.SetOverride(stage, ""); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Override removed: %s\n", stage)
	return nil
}
