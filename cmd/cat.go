package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

var catRaw bool

var catCmd = &cobra.Command{
	Use:   "cat <snapshot-ino> <physical-block>",
	Short: "Read a preserved block from a snapshot image",
	Long: `Cat reads the preserved contents of a physical block through the
snapshot read router: the block is served from the snapshot itself, a
newer snapshot on the chain, or the live device.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()

		ino := parseIno(args[0])
		var block types.Paddr
		fmt.Sscanf(args[1], "%d", &block)

		data, err := m.router.ReadBlock(ino, types.SnapshotIBlock(block))
		if err != nil {
			return err
		}
		if catRaw {
			os.Stdout.Write(data)
			return nil
		}
		for off := 0; off < len(data); off += 16 {
			end := off + 16
			if end > len(data) {
				end = len(data)
			}
			fmt.Printf("%08x  % x\n", off, data[off:end])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
	catCmd.Flags().BoolVar(&catRaw, "raw", false, "write raw block bytes to stdout")
}
