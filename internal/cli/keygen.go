package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dagstate/internal/boundary"
	"github.com/roach88/dagstate/internal/config"
)

// keygenOutput is a context's private config entry and the peer entry
// other instances use to reach it.
type keygenOutput struct {
	Context config.ContextConfig `yaml:"context" json:"context"`
	Peer    config.PeerConfig    `yaml:"peer" json:"peer"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var permissions []string
	cmd := &cobra.Command{
		Use:   "keygen <context>",
		Short: "Generate signing and encryption keys for a context",
		Long: `Generate an Ed25519 signing key and an X25519 encryption key for a
context. Prints a boundary.contexts entry for this instance's config and a
boundary.peers entry for instances that exchange handles with it.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd, rootOpts)
			c, err := boundary.GenerateContext(args[0], permissions...)
			if err != nil {
				return WrapExitError(ExitFailure, "key generation failed", err)
			}
			enf := boundary.New(nil, nil)
			if err := enf.Register(c); err != nil {
				return WrapExitError(ExitFailure, "key generation failed", err)
			}
			peer, err := enf.PublicKeys(c.ID)
			if err != nil {
				return WrapExitError(ExitFailure, "key generation failed", err)
			}

			out := keygenOutput{
				Context: config.ContextConfig{
					ID:            c.ID,
					Permissions:   c.Permissions,
					SigningKey:    config.EncodeKey(c.SigningKey),
					EncryptionKey: config.EncodeKey(c.EncryptionKey),
				},
				Peer: config.PeerConfig{
					ID:               peer.ID,
					SigningPublic:    config.EncodeKey(peer.SigningPublic),
					EncryptionPublic: config.EncodeKey(peer.EncryptionPublic),
				},
			}
			if f.Format == "json" {
				return f.Success(out)
			}
			data, err := yaml.Marshal(out)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(f.Writer, string(data))
			return err
		},
	}
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "contexts this context may export to")
	return cmd
}
