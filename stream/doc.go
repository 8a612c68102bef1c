// Package stream carries the progress records of analysis runs.
//
// A run segment writes its records to an Emitter; the engine hands callers the
// receive side of a ChannelEmitter. Writer renders records as NDJSON (one JSON
// object per line) and flushes after every record when the destination is an
// http.ResponseWriter. Merge fans several segment channels into one while
// keeping each segment's own order.
package stream
