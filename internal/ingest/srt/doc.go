// Package srt receives Ogg streams over SRT (Secure Reliable Transport). A
// Server accepts publishers in listener mode; a Caller pulls from remote SRT
// listeners. Both feed the ingest registry, which starts one demux pipeline
// per stream key.
package srt
