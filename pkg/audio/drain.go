package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a [Segment] is dropped before its
// producer finished writing to the Audio channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
