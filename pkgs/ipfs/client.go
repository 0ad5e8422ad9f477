package ipfs

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	files "github.com/ipfs/boxo/files"
	"github.com/ipfs/boxo/path"
	ipfsApi "github.com/ipfs/kubo/client/rpc"
	"github.com/ipfs/kubo/core/coreiface/options"
	ma "github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"
)

// Store pins evidence and metadata documents and returns their ipfs:// reference.
type Store interface {
	Pin(ctx context.Context, data []byte) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Client wraps the IPFS kubo client
type Client struct {
	api *ipfsApi.HttpApi
}

// NewClient creates a new IPFS client. apiURL may be a multiaddr such as
// /ip4/127.0.0.1/tcp/5001 or a host:port / http(s) URL.
func NewClient(apiURL string) (*Client, error) {
	apiURL = strings.TrimSpace(apiURL)
	if apiURL == "" {
		apiURL = "/ip4/127.0.0.1/tcp/5001"
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:       10,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: true,
		},
	}

	var (
		api *ipfsApi.HttpApi
		err error
	)
	if strings.HasPrefix(apiURL, "/") {
		maddr, perr := ma.NewMultiaddr(apiURL)
		if perr != nil {
			return nil, fmt.Errorf("invalid IPFS multiaddr %q: %w", apiURL, perr)
		}
		api, err = ipfsApi.NewApiWithClient(maddr, httpClient)
	} else {
		if !strings.HasPrefix(apiURL, "http://") && !strings.HasPrefix(apiURL, "https://") {
			apiURL = "http://" + apiURL
		}
		api, err = ipfsApi.NewURLApiWithClient(apiURL, httpClient)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create IPFS client: %w", err)
	}

	log.WithField("endpoint", apiURL).Debug("IPFS client configured")
	return &Client{api: api}, nil
}

// Pin adds data as a CIDv1 file, pins it and returns its ipfs:// reference
func (c *Client) Pin(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to pin empty document")
	}

	p, err := c.api.Unixfs().Add(ctx, files.NewBytesFile(data),
		options.Unixfs.CidVersion(1),
		options.Unixfs.Chunker("size-262144"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to add to IPFS: %w", err)
	}
	if err := c.api.Pin().Add(ctx, p); err != nil {
		return "", fmt.Errorf("failed to pin %s: %w", p.RootCid(), err)
	}

	ref := FormatRef(p.RootCid())
	log.WithFields(log.Fields{"ref": ref, "bytes": len(data)}).Info("Pinned evidence in IPFS")
	return ref, nil
}

// Fetch retrieves a document by CID or ipfs:// reference
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	parsedCID, err := ParseCID(ref)
	if err != nil {
		return nil, err
	}

	node, err := c.api.Unixfs().Get(ctx, path.FromCid(parsedCID))
	if err != nil {
		return nil, fmt.Errorf("failed to get from IPFS: %w", err)
	}

	file := files.ToFile(node)
	if file == nil {
		return nil, fmt.Errorf("expected file from IPFS")
	}
	defer file.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(file); err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	return buf.Bytes(), nil
}

// IsAvailable checks if IPFS node is accessible
func (c *Client) IsAvailable(ctx context.Context) bool {
	_, err := c.api.Key().Self(ctx)
	return err == nil
}
