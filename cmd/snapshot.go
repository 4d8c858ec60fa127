package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-snapfs/internal/journal"
	"github.com/deploymenttheory/go-snapfs/internal/types"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots",
}

var snapshotTakeCmd = &cobra.Command{
	Use:   "take",
	Short: "Create and take a new snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()

		tx, err := m.fs.Journal().Start(journal.MaxTransData)
		if err != nil {
			return err
		}
		in, err := m.fs.AllocInode(tx, 0o100600, types.FlagSnapfile)
		if err != nil {
			tx.Commit()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		if err := m.mgr.Create(in.Ino()); err != nil {
			return err
		}
		if err := m.mgr.Take(in.Ino()); err != nil {
			return err
		}
		fmt.Printf("snapshot %d taken (ino=%d, uuid=%s)\n",
			in.SnapshotID(), in.Ino(), in.UUID())
		return nil
	},
}

var snapshotLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()

		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tINO\tUUID\tSIZE\tFLAGS")
		for _, s := range m.mgr.List() {
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n",
				s.SnapshotID(), s.InodeNumber(), s.UUID(), s.SizeBytes(),
				flagString(s.Flags()))
		}
		return w.Flush()
	},
}

func flagString(flags uint32) string {
	names := []struct {
		bit  uint32
		name string
	}{
		{types.FlagSnapfileActive, "active"},
		{types.FlagSnapfileEnabled, "enabled"},
		{types.FlagSnapfileInuse, "inuse"},
		{types.FlagSnapfileDeleted, "deleted"},
		{types.FlagSnapfileShrunk, "shrunk"},
		{types.FlagSnapfileOpen, "open"},
	}
	out := ""
	for _, n := range names {
		if flags&n.bit != 0 {
			if out != "" {
				out += ","
			}
			out += n.name
		}
	}
	if out == "" {
		out = "-"
	}
	return out
}

func runFlagVerb(verb func(uint32) error, ino uint32, action string) error {
	if err := verb(ino); err != nil {
		return err
	}
	fmt.Printf("snapshot inode %d %s\n", ino, action)
	return nil
}

var snapshotEnableCmd = &cobra.Command{
	Use:   "enable <ino>",
	Short: "Enable a snapshot for mounting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()
		return runFlagVerb(m.mgr.Enable, parseIno(args[0]), "enabled")
	},
}

var snapshotDisableCmd = &cobra.Command{
	Use:   "disable <ino>",
	Short: "Disable a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()
		return runFlagVerb(m.mgr.Disable, parseIno(args[0]), "disabled")
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <ino>",
	Short: "Mark a snapshot for deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()
		return runFlagVerb(m.mgr.Delete, parseIno(args[0]), "marked for deletion")
	},
}

var snapshotUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run the reconciliation pass (shrink, merge, remove)",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()
		return m.mgr.Update(true)
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <ino>",
	Short: "Verify a snapshot's blocks are excluded from COW",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mountImage()
		if err != nil {
			return err
		}
		defer m.close()
		n, err := m.mgr.VerifyExcluded(parseIno(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("snapshot inode %s is clean (%d blocks)\n", args[0], n)
		return nil
	},
}

func parseIno(s string) uint32 {
	var ino uint32
	fmt.Sscanf(s, "%d", &ino)
	return ino
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(
		snapshotTakeCmd,
		snapshotLsCmd,
		snapshotEnableCmd,
		snapshotDisableCmd,
		snapshotDeleteCmd,
		snapshotUpdateCmd,
		snapshotVerifyCmd,
	)
}
