package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"segmentdl/internal/entity"
	"segmentdl/internal/intercept"
	"segmentdl/internal/sink"
)

func newCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "Print the sink support matrix of this environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, "")
			if err != nil {
				return err
			}

			var registry *intercept.Registry
			if a.cfg.HTTP.Intercept {
				registry = intercept.NewRegistry()
			}

			caps := sink.NewDetector(a.log, a.cfg.Dir.Downloads, registry).Capabilities()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(struct {
				entity.Capabilities
				Recommended entity.SinkMode `json:"recommended"`
			}{caps, caps.Recommended()})
		},
	}
}
