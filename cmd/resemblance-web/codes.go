package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var codesFileFlag string

var importCodesCmd = &cobra.Command{
	Use:   "import-codes [CODE...]",
	Short: "Create redemption codes from arguments or a file",
	Long: `import-codes creates unused redemption codes. Codes are taken from the
arguments and from --file (one per line or comma separated; blank lines and
lines starting with # are ignored). Codes that already exist are skipped.`,
	RunE: runImportCodes,
}

func init() {
	importCodesCmd.Flags().StringVarP(&codesFileFlag, "file", "f", "", "File with codes (\"-\" for stdin)")
}

func runImportCodes(cmd *cobra.Command, args []string) error {
	codes := append([]string(nil), args...)
	if codesFileFlag != "" {
		fromFile, err := readCodesFile(codesFileFlag, cmd.InOrStdin())
		if err != nil {
			return err
		}
		codes = append(codes, fromFile...)
	}
	if len(codes) == 0 {
		return errors.New("no codes given: pass codes as arguments or use --file")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Machine.BatchCreate(ctx, codes)
	if err != nil {
		return err
	}
	log.Info().Int("created", res.Created).Int("skipped", res.Skipped).Msg("Codes imported")
	fmt.Fprintf(cmd.OutOrStdout(), "created: %d, skipped: %d\n", res.Created, res.Skipped)
	return nil
}

func readCodesFile(path string, stdin io.Reader) ([]string, error) {
	if path == "-" {
		return readCodes(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open codes file %s", path)
	}
	defer f.Close()
	return readCodes(f)
}

// readCodes splits r into codes. Normalization and de-duplication happen in
// BatchCreate.
func readCodes(r io.Reader) ([]string, error) {
	var codes []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, c := range strings.Split(line, ",") {
			if c = strings.TrimSpace(c); c != "" {
				codes = append(codes, c)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read codes")
	}
	return codes, nil
}
