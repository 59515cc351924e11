package writer

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/casamonarca/pdfsigner/pdf/generic"
)

// writeXRefTable writes a classic cross-reference section for the given
// object offsets, grouping consecutive numbers into subsections.
func writeXRefTable(buf *bytes.Buffer, offsets map[int]int64, includeFreeHead bool) {
	nums := make([]int, 0, len(offsets))
	for n := range offsets {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	buf.WriteString("xref\n")
	if includeFreeHead {
		if len(nums) > 0 && nums[0] == 1 {
			// Fold object 0 into the first subsection.
			end := 1
			for end < len(nums) && nums[end] == nums[end-1]+1 {
				end++
			}
			fmt.Fprintf(buf, "0 %d\n", end+1)
			buf.WriteString("0000000000 65535 f \n")
			for _, n := range nums[:end] {
				fmt.Fprintf(buf, "%010d 00000 n \n", offsets[n])
			}
			nums = nums[end:]
		} else {
			buf.WriteString("0 1\n0000000000 65535 f \n")
		}
	}
	for len(nums) > 0 {
		end := 1
		for end < len(nums) && nums[end] == nums[end-1]+1 {
			end++
		}
		fmt.Fprintf(buf, "%d %d\n", nums[0], end)
		for _, n := range nums[:end] {
			fmt.Fprintf(buf, "%010d 00000 n \n", offsets[n])
		}
		nums = nums[end:]
	}
}

func writeTrailer(buf *bytes.Buffer, trailer *generic.DictionaryObject, xrefOffset int) error {
	buf.WriteString("trailer\n")
	if err := trailer.Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

// fileID derives a 16-byte identifier from seed material.
func fileID(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)[:16]
}
