package backend

// UnsizedBytes is a large-object payload whose total length must not be
// advertised before the content is consumed. Cursors return it in place of
// []byte when the backend streams the value without a declared size.
type UnsizedBytes []byte
