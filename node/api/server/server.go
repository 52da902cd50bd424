// Package server provides a server that wraps a node and serves an http api
// for interacting with the node.
package server

import (
	"net"
	"net/http"
	"strings"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/node"
	"gitlab.com/fetchlabs/fetchd/node/api"
)

// A Server is a collection of fetchd components that can be communicated with
// over an http api.
type Server struct {
	api               *api.API
	apiServer         *http.Server
	errChan           chan error
	listener          net.Listener
	node              *node.Node
	requiredUserAgent string
}

// serve listens for and handles API calls. It is a blocking function.
func (srv *Server) serve() error {
	// The server will run until an error is encountered or the listener is
	// closed, via either the Close method or by signal handling. Closing the
	// listener will result in the benign error handled below.
	err := srv.apiServer.Serve(srv.listener)
	if err != nil && !strings.HasSuffix(err.Error(), "use of closed network connection") && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close closes the Server's listener, causing the HTTP server to shut down,
// and then closes the node.
func (srv *Server) Close() error {
	// Ordering is important. The listener must be closed first so no request
	// is in flight when the node starts tearing down its components.
	err := srv.listener.Close()
	err = errors.Compose(err, <-srv.errChan)
	err = errors.Compose(err, srv.node.Close())
	return errors.AddContext(err, "error while closing server")
}

// APIAddr returns the address the server listens on, useful when the
// configured address carried port zero.
func (srv *Server) APIAddr() string {
	return srv.listener.Addr().String()
}

// Downloader exposes the node's downloader client for startup probing.
func (srv *Server) Downloader() modules.Downloader {
	return srv.node.Downloader
}

// New creates a new API server from the provided node parameters. The API
// will require authentication using HTTP basic auth if the configured
// password is not the empty string. This type of authentication sends
// passwords in plaintext and should therefore only be used if the api address
// is localhost.
func New(nodeParams node.NodeParams) (*Server, error) {
	config := nodeParams.Config

	// Create the server listener.
	listener, err := net.Listen("tcp", config.API.Addr)
	if err != nil {
		return nil, err
	}

	// Create the fetchd node for the server.
	n, err := node.New(nodeParams)
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "server is unable to create the fetchd node"), listener.Close())
	}

	// Create the api for the server.
	auth := api.NewUserStoreAuthenticator(n.Queue)
	a := api.New(config.API.RequiredUserAgent, config.API.Password,
		n.Queue, n.Worker, n.Registry, n.Catalog, n.Downloader, n.Bus, auth, config, n.Log)
	srv := &Server{
		api: a,
		apiServer: &http.Server{
			Handler: a,
		},
		errChan:           make(chan error, 1),
		listener:          listener,
		node:              n,
		requiredUserAgent: config.API.RequiredUserAgent,
	}
	a.Shutdown = srv.Close

	// Spin up a channel that will block until the server has closed, and then
	// send any error down the channel.
	go func() {
		err := srv.serve()
		srv.errChan <- err
		close(srv.errChan)
	}()

	return srv, nil
}
