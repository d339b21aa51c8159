package commands

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	mls "github.com/cisco/go-mls-core"
	vectors "github.com/cisco/go-mls-core/test-vectors"
)

func parseSuite(s string) (mls.CipherSuite, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("ciphersuite %q: %w", s, err)
	}
	return mls.CipherSuite(v), nil
}

func generateCmd() *cobra.Command {
	var (
		suite  string
		epochs int
		out    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key schedule vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			if epochs < 1 {
				return fmt.Errorf("epochs must be positive, got %d", epochs)
			}

			var (
				vec   interface{}
				label string
			)
			if suite == "all" {
				set, err := vectors.NewKeyScheduleSet(epochs)
				if err != nil {
					return err
				}
				vec, label = set, fmt.Sprintf("%d suites", len(set))
			} else {
				cs, err := parseSuite(suite)
				if err != nil {
					return err
				}

				one, err := vectors.NewKeySchedule(cs, epochs)
				if err != nil {
					return err
				}
				vec, label = one, cs.String()
			}

			data, err := json.MarshalIndent(vec, "", "  ")
			if err != nil {
				return err
			}

			if out == "" || out == "-" {
				_, err = os.Stdout.Write(append(data, '\n'))
				return err
			}

			if err := ioutil.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			log.Printf("wrote %d epochs for %s to %s", epochs, label, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&suite, "suite", "0x0001", "ciphersuite id, or all for every supported suite")
	cmd.Flags().IntVar(&epochs, "epochs", 200, "number of epochs")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}
