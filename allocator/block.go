package allocator

import "github.com/launchdarkly/go-jsonstream/v3/jwriter"

// BlockInfo describes a region of a pool, relative to the start of the page that holds it
type BlockInfo struct {
	Page   int
	Offset int
	Size   int
}

func printBlocks(json jwriter.ObjectState, name string, blocks []BlockInfo) {
	arrayState := json.Name(name).Array()
	defer arrayState.End()

	for _, block := range blocks {
		obj := arrayState.Object()
		obj.Name("Page").Int(block.Page)
		obj.Name("Offset").Int(block.Offset)
		obj.Name("Size").Int(block.Size)
		obj.End()
	}
}
