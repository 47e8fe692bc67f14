// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements a read-only device backend serving objects of an S3
// compatible object store. Objects are named s3://bucket/key and every object
// is one device. It uses aws api v1.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"github.com/asch/dmtab/internal/dmtab/device"
	"github.com/asch/dmtab/internal/dmtab/limits"
)

const (
	// Major of all object devices.
	Major = 240

	Scheme = "s3"
)

var (
	ErrReadOnly = errors.New("object devices are read-only")
	ErrBadPath  = errors.New("invalid object path")
)

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	AccessKey string
	SecretKey string

	// Size of one ranged download. Larger reads are split into parts
	// downloaded concurrently.
	PartSize    int64
	Concurrency int

	// Timeout of one request to the object store.
	Timeout time.Duration
}

// Part of s3manager.Downloader used by the backend.
type downloader interface {
	DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*s3manager.Downloader)) (int64, error)
}

type object struct {
	bucket string
	key    string
}

func (o object) String() string {
	return Scheme + "://" + o.bucket + "/" + o.key
}

// Backend implements device.Backend on top of the object store. Every
// object resolved gets a stable minor under Major for the lifetime of the
// backend.
type Backend struct {
	client     s3iface.S3API
	downloader downloader
	partSize   int64
	timeout    time.Duration

	mu      sync.Mutex
	objects []object
	minors  map[object]uint32
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		log.Warn().Err(err).Msg("HTTP/2 not available for the object store.")
	}

	return &http.Client{
		Transport: tr,
	}
}

// New connects to the object store described by o.
func New(o Options) (*Backend, error) {
	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(o.Remote),
		Region:           aws.String(o.Region),
		Credentials:      credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClient,
	})
	if err != nil {
		return nil, err
	}

	dl := s3manager.NewDownloader(sess)
	if o.PartSize > 0 {
		dl.PartSize = o.PartSize
	}
	if o.Concurrency > 0 {
		dl.Concurrency = o.Concurrency
	}

	return newBackend(s3.New(sess), dl, dl.PartSize, o.Timeout), nil
}

func newBackend(client s3iface.S3API, dl downloader, partSize int64, timeout time.Duration) *Backend {
	return &Backend{
		client:     client,
		downloader: dl,
		partSize:   partSize,
		timeout:    timeout,
		minors:     make(map[object]uint32),
	}
}

// ParsePath splits s3://bucket/key into bucket and key.
func ParsePath(path string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(path, Scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q has no %s:// prefix", ErrBadPath, path, Scheme)
	}

	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q is not %s://bucket/key", ErrBadPath, path, Scheme)
	}

	return bucket, key, nil
}

// Resolve assigns a minor to the object. The object does not have to exist
// yet, it is looked up by Open.
func (b *Backend) Resolve(path string) (device.ID, error) {
	bucket, key, err := ParsePath(path)
	if err != nil {
		return device.ID{}, err
	}

	o := object{bucket: bucket, key: key}

	b.mu.Lock()
	defer b.mu.Unlock()

	minor, ok := b.minors[o]
	if !ok {
		minor = uint32(len(b.objects))
		b.objects = append(b.objects, o)
		b.minors[o] = minor
	}

	return device.ID{Major: Major, Minor: minor}, nil
}

func (b *Backend) object(id device.ID) (object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id.Major != Major || int(id.Minor) >= len(b.objects) {
		return object{}, false
	}

	return b.objects[id.Minor], true
}

func (b *Backend) requestContext() (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(context.Background())
	}

	return context.WithTimeout(context.Background(), b.timeout)
}

// Open looks the object up and returns it as a device. Objects are only
// readable. The size of the device is the size of the object rounded down
// to whole sectors.
func (b *Backend) Open(id device.ID, mode device.Mode) (device.Resource, error) {
	if mode&device.Write != 0 {
		return nil, fmt.Errorf("%w: cannot open %s with mode %s", ErrReadOnly, id, mode)
	}

	o, ok := b.object(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown object device %s", ErrBadPath, id)
	}

	ctx, cancel := b.requestContext()
	defer cancel()

	requests.WithLabelValues("head").Inc()
	head, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		requestErrors.WithLabelValues("head").Inc()
		return nil, fmt.Errorf("%s: %w", o, err)
	}

	size := aws.Int64Value(head.ContentLength)
	if size%limits.SectorSize != 0 {
		log.Warn().Str("object", o.String()).Int64("size", size).Msg("Object size not multiple of sector size, tail is not accessible.")
	}

	return &resource{
		backend: b,
		object:  o,
		bytes:   size / limits.SectorSize * limits.SectorSize,
	}, nil
}

type resource struct {
	backend *Backend
	object  object
	bytes   int64
}

func (r *resource) Size() uint64 {
	return uint64(r.bytes) >> limits.SectorShift
}

func (r *resource) Limits() limits.Limits {
	l := limits.Default()
	if r.backend.partSize%limits.SectorSize == 0 && r.backend.partSize <= limits.Unlimited {
		l.IOOpt = uint32(r.backend.partSize)
	}

	return l
}

func (r *resource) Close() error {
	return nil
}

// ReadAt implements io.ReaderAt by a ranged download of the object.
func (r *resource) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.bytes {
		return 0, io.EOF
	}

	n := min(int64(len(p)), r.bytes-off)
	rng := fmt.Sprintf("bytes=%d-%d", off, off+n-1)
	buf := aws.NewWriteAtBuffer(p[:n])

	ctx, cancel := r.backend.requestContext()
	defer cancel()

	requests.WithLabelValues("get").Inc()
	got, err := r.backend.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(r.object.bucket),
		Key:    aws.String(r.object.key),
		Range:  &rng,
	})
	if err != nil {
		requestErrors.WithLabelValues("get").Inc()
		return 0, fmt.Errorf("%s: %w", r.object, err)
	}

	readBytes.Add(float64(got))

	if got < int64(len(p)) {
		return int(got), io.EOF
	}

	return int(got), nil
}
