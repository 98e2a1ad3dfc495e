// Package serde converts application values to and from their storable
// form.
//
// Values that are plain data (nil, booleans, numbers, strings, and
// sequences/maps of those) are stored as direct JSON, which keeps them
// inspectable in the backing store. Everything else goes through a
// pluggable Serializer and is stored as a hex-encoded envelope tagged with
// the serializer's type tag, so it still fits a single string-typed field.
//
// TypeRegistry is the default Serializer: register your state structs under
// stable names and they round-trip to their original Go types.
package serde
