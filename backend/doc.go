// Package backend selects and opens the HAL backend a Device runs on.
//
// Every HAL backend compiled into the binary is registered on import under a
// short name ("vulkan", "metal", "dx12", "gles", "software"). Selection
// follows a fixed priority, hardware APIs first and the CPU software
// rasterizer last:
//
//	opened, err := backend.Open(backend.Auto, backend.Options{PreferDiscrete: true})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer opened.Close()
//
// Open with an explicit name pins a backend:
//
//	opened, err := backend.Open("software", backend.Options{})
//
// # Adapter Selection
//
// Within a backend, SelectAdapter ranks the enumerated adapters by device
// type and drops those missing required features. With PreferDiscrete a
// discrete GPU wins over an integrated one; without it the order is
// reversed, which favors lower power draw.
//
// # Custom Backends
//
// Register adds a backend under a new name. Unregister removes it again,
// which is mostly useful in tests.
package backend
