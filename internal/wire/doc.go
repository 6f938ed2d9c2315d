// Package wire encodes termination requests, votes and remote reads in the
// protobuf wire format and provides the gRPC codec that carries them.
//
//	message Request {
//	  bytes handler = 1; int32 type = 2; string origin = 3; sint64 snapshot = 4;
//	  repeated Read reads = 5; repeated Entity writes = 6; repeated Entity creates = 7;
//	  repeated string groups = 8; repeated string voters = 9;
//	}
//	message Read   { string key = 1; sint64 version = 2; }
//	message Entity { string key = 1; bytes value = 2; }
//	message Vote   { bytes handler = 1; string group = 2; string replica = 3; bool commit = 4; }
//	message ReadRequest { string key = 1; sint64 snapshot = 2; }
//	message ReadReply   { bool found = 1; bytes value = 2; sint64 version = 3; sint64 snapshot = 4; }
package wire
