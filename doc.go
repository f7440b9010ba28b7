// Package tar implements a streaming, push-driven decoder for tar archives.
//
// It aims to cover the variations produced by GNU and POSIX tar, including
// USTAR, the old GNU long-name and sparse extensions, and PAX extended
// headers. Unlike archive/tar's io.Reader-shaped Reader, this decoder is
// driven by pushing arbitrarily sized chunks of input and pulling entries
// out one at a time, tolerating backpressure from the consumer: at most one
// entry's byte stream is ever live, and the decoder will not start decoding
// the next header until the caller acknowledges the current one.
//
// References:
//
//	https://www.gnu.org/software/tar/manual/html_node/Standard.html
//	http://pubs.opengroup.org/onlinepubs/9699919799/utilities/pax.html
package tar
