package wasm

// StubModule returns a minimal valid module: the 8-byte header followed by
// one empty custom section. The custom section satisfies the section-marker
// check and names the producing backend for anyone who inspects the bytes.
func StubModule() []byte {
	name := []byte("kiln-stub")

	module := make([]byte, 0, headerSize+3+len(name))
	module = append(module, magic...)
	module = append(module, version...)
	module = append(module, 0x00)              // custom section id
	module = append(module, byte(1+len(name))) // section size
	module = append(module, byte(len(name)))   // name length
	module = append(module, name...)

	return module
}
