package translator

// StreamDecoder turns raw serial bytes of the form C0 note velocity into
// channel 10 Note-Ons. Bytes outside that pattern are skipped.
type StreamDecoder struct {
	buf     []byte
	skipped uint64
}

// Feed appends p and returns every Note-On completed by it
func (d *StreamDecoder) Feed(p []byte) [][]byte {
	d.buf = append(d.buf, p...)
	var out [][]byte
	i := 0
	for i+2 < len(d.buf) {
		if d.buf[i] == statusProgramChange && d.buf[i+1] <= 0x7F && d.buf[i+2] <= 0x7F {
			out = append(out, []byte{DrumNoteOn, d.buf[i+1], d.buf[i+2]})
			i += 3
			continue
		}
		d.skipped++
		i++
	}
	d.buf = append(d.buf[:0], d.buf[i:]...)
	return out
}

// Skipped returns how many bytes were discarded
func (d *StreamDecoder) Skipped() uint64 { return d.skipped }

// Buffered returns how many bytes wait for more input
func (d *StreamDecoder) Buffered() int { return len(d.buf) }
