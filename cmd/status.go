package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-snapfs/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show superblock and feature summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()

		sb := m.fs.Super()
		fmt.Printf("blocks:           %d x %d bytes (%d groups)\n",
			sb.BlocksCount, sb.BlockSize, sb.GroupsCount)
		fmt.Printf("free blocks:      %d\n", sb.FreeBlocksCount)
		fmt.Printf("snapshot id:      %d\n", sb.SnapshotID)
		fmt.Printf("active snapshot:  %d\n", sb.ActiveSnapshotIno)
		fmt.Printf("chain head:       %d\n", sb.LastSnapshotIno)
		fmt.Printf("reserved blocks:  %d\n", sb.SnapshotRBlocks)

		features := ""
		add := func(set bool, name string) {
			if set {
				if features != "" {
					features += ","
				}
				features += name
			}
		}
		add(sb.HasCompat(types.FeatureCompatHasJournal), "has_journal")
		add(sb.HasCompat(types.FeatureCompatExcludeInode), "exclude_inode")
		add(sb.HasCompat(types.FeatureCompatBigJournal), "big_journal")
		add(sb.HasRoCompat(types.FeatureRoCompatHasSnapshot), "has_snapshot")
		add(sb.HasRoCompat(types.FeatureRoCompatIsSnapshot), "is_snapshot")
		add(sb.HasRoCompat(types.FeatureRoCompatFixExclude), "fix_exclude")
		fmt.Printf("features:         %s\n", features)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
