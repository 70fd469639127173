package benchconfig

import "fmt"

// PathInfo describes one target path's filesystem characteristics as
// reported by a service in its PREPAREPHASE reply. The master compares these
// across all services via checkServiceBenchPathInfos and rejects the run if
// they disagree.
type PathInfo struct {
	Path        string `json:"path"`
	IsBlockDev  bool   `json:"isBlockDev"`
	FileSize    int64  `json:"fileSize"`
	InodeNumber uint64 `json:"inodeNumber,omitempty"`
}

// PathInfoTree is the set of PathInfo entries a service returns for all of
// its configured target paths.
type PathInfoTree struct {
	Paths []PathInfo `json:"paths"`
}

// Equal reports whether two PathInfoTrees describe path layouts consistent
// enough to run a benchmark across them: same number of paths, and for each
// matching path, identical block-dev-ness, plus identical file size when the
// path is a block device (regular paths' sizes are not compared). Order matters
// because ranks are assigned positionally.
func (t PathInfoTree) Equal(other PathInfoTree) error {
	if len(t.Paths) != len(other.Paths) {
		return fmt.Errorf("path count mismatch: %d vs %d", len(t.Paths), len(other.Paths))
	}
	for i := range t.Paths {
		a, b := t.Paths[i], other.Paths[i]
		if a.IsBlockDev != b.IsBlockDev {
			return fmt.Errorf("path %d block-dev mismatch: %v vs %v", i, a.IsBlockDev, b.IsBlockDev)
		}
		if a.IsBlockDev && a.FileSize != b.FileSize {
			return fmt.Errorf("path %d block-dev size mismatch: %d vs %d", i, a.FileSize, b.FileSize)
		}
	}
	return nil
}
