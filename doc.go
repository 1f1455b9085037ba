// Package echod implements a connection-oriented echo server built around
// cooperative graceful shutdown. The server accepts raw byte-stream
// connections and echoes every chunk back verbatim; one broadcast shutdown
// signal stops admission, lets in-flight connections finish, and joins every
// handler task exactly once before Start returns.
//
// Example:
//
//	cfg := echod.Config{Listen: "127.0.0.1:3011"}
//	srv, err := echod.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
package echod
