// Package backend defines the interface every image-generation engine must
// implement, along with the types exchanged between the render pipeline and
// engine implementations, and a registry that resolves engines by name.
package backend
