package connection

import (
	"fmt"

	"github.com/myforce/opal-go/pkg/mediaformat"
)

// SelectMediaFormat negotiates the format for one media stream in two
// passes: first the intersection of local and remote capability sets
// with per-option merge rules applied, then the configured preference
// order and disabled-codec mask. The first surviving format of the
// requested media type wins.
func SelectMediaFormat(
	kind mediaformat.Kind,
	local, remote []mediaformat.Format,
	order, mask []string,
) (mediaformat.Format, error) {
	localList := mediaformat.NewOrderedList(local...)
	remoteList := mediaformat.NewOrderedList(remote...)

	shared, err := localList.Intersect(remoteList)
	if err != nil {
		return mediaformat.Format{}, err
	}
	if len(mask) > 0 {
		shared.RemoveMask(mask)
	}
	if len(order) > 0 {
		shared.Reorder(order)
	}
	for _, f := range shared.Formats() {
		if f.Kind == kind {
			return f, nil
		}
	}
	return mediaformat.Format{}, fmt.Errorf("connection: no common %s format", kind)
}
