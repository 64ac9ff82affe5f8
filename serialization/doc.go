// Package serialization provides the payload transcoders used by producers,
// consumers and RPC endpoints.
//
// A Transcoder turns an application value into a message body and back. The
// content type it stamps on outgoing messages travels with the message so the
// receiving side can refuse payloads it does not understand.
//
//	codec := serialization.JSON[Order]()
//	body, err := codec.Encode(order)
//	decoded, err := codec.Decode(codec.ContentType(), body)
package serialization
