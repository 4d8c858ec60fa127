package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-snapfs/internal/cow"
	"github.com/deploymenttheory/go-snapfs/internal/device"
	"github.com/deploymenttheory/go-snapfs/internal/fsys"
	"github.com/deploymenttheory/go-snapfs/internal/lifecycle"
	"github.com/deploymenttheory/go-snapfs/internal/snapshot"
)

// mounted bundles everything a command needs against an open image.
type mounted struct {
	fs     *fsys.Fs
	mgr    *lifecycle.Manager
	router *snapshot.Router
}

// mountImage opens the configured image, registers the COW engine and
// loads the snapshot chain.
func mountImage() (*mounted, error) {
	path := viper.GetString("image")
	if imagePath != "" {
		path = imagePath
	}
	if path == "" {
		return nil, fmt.Errorf("no image given (use --image or the config file)")
	}
	bs := viper.GetUint32("block_size")
	ro := readOnly || viper.GetBool("read_only")

	dev, err := device.OpenFile(path, bs, ro)
	if err != nil {
		return nil, err
	}
	log := logrus.WithField("image", path)
	fs, err := fsys.Open(dev, log, ro)
	if err != nil {
		dev.Close()
		return nil, err
	}
	engine := cow.NewEngine(fs)
	mgr := lifecycle.NewManager(fs, engine)
	if err := mgr.Load(ro); err != nil {
		dev.Close()
		return nil, err
	}
	return &mounted{
		fs:     fs,
		mgr:    mgr,
		router: snapshot.NewRouter(fs),
	}, nil
}

// close flushes and releases the image.
func (m *mounted) close() error {
	m.mgr.Destroy()
	if err := m.fs.Cache().SyncDirty(); err != nil {
		return err
	}
	return m.fs.Device().Close()
}
