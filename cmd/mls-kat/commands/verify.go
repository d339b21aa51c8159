package commands

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"

	"github.com/spf13/cobra"

	vectors "github.com/cisco/go-mls-core/test-vectors"
)

func verifyFile(path string) (vectors.Outcome, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return vectors.Failed, err
	}

	var set vectors.KeyScheduleSet
	if err := json.Unmarshal(data, &set); err != nil {
		return vectors.Failed, fmt.Errorf("%s: %w", path, err)
	}

	return set.Verify()
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <file>...",
		Short: "Verify key schedule vectors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				outcome, err := verifyFile(path)
				if err != nil {
					log.Printf("%s: %v", path, err)
					failed++
					continue
				}
				log.Printf("%s: %v", path, outcome)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d vector files failed", failed, len(args))
			}
			return nil
		},
	}
	return cmd
}
