package dispatch

import "wablast/internal/recipient"

// Partition splits rs into consecutive blocks of size n, the last one possibly
// shorter. Blocks share rs's backing array.
func Partition(rs []recipient.Recipient, n int) [][]recipient.Recipient {
	if n <= 0 {
		n = 1
	}
	if len(rs) == 0 {
		return nil
	}
	out := make([][]recipient.Recipient, 0, (len(rs)+n-1)/n)
	for i := 0; i < len(rs); i += n {
		end := min(i+n, len(rs))
		out = append(out, rs[i:end:end])
	}
	return out
}
