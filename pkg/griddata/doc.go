// Package griddata provides a container for gridded scientific time series
// and a binary file codec for storing them in cloud or local storage.
//
// A [Dataset] holds one variable sampled on a fixed spatial grid along a
// time axis. Missing values are represented as NaN. Datasets are encoded
// into self-describing files (JSON header + raw payload) and are
// storage-agnostic via gocloud.dev/blob.
//
// # File Format
//
//	magic "LRG1"                 (4 bytes)
//	header length                (uint32, little endian)
//	header JSON                  (name, attrs, shape, time axis, precision, compression)
//	payload                      (little-endian float64 or float32, optionally gzip)
//
// The payload byte range of an encoded file is exposed through [Describe]
// so that reference documents can address the raw array without copying it.
//
// # Writing
//
// Encoding choices (numeric precision, compression level) are carried by an
// explicit [WriteConfig] value rather than process-wide state:
//
//	err := griddata.Encode(ctx, bucket, "temp_hist_r100_monthly_199001.nc", ds, cfg)
//
// # Reading
//
// [Decode] reads a whole file back into a Dataset. [DecodeHeader] reads
// only the metadata header, which is cheap for large payloads.
package griddata
