package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"hutch/internal/sla"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Generate JSON schema for configuration",
	Long: `Generate the JSON schema of the --config file, or with --document the
schema of processor description documents.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		document, _ := cmd.Flags().GetBool("document")
		bts, err := schemaJSON(document)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(bts))
		return nil
	},
}

func schemaJSON(document bool) ([]byte, error) {
	reflector := new(jsonschema.Reflector)
	var schema *jsonschema.Schema
	if document {
		schema = reflector.Reflect(&sla.Document{})
	} else {
		schema = reflector.Reflect(&HutchConfig{})
	}
	bts, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}

func init() {
	schemaCmd.Flags().Bool("document", false, "Print the processor description document schema")
	rootCmd.AddCommand(schemaCmd)
}
