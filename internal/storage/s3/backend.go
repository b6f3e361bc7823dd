package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	goerrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	pkgerrors "github.com/objectfs/objectfs/pkg/errors"
	"github.com/objectfs/objectfs/pkg/types"
)

// Backend implements the Object Store Adapter over AWS S3, with CargoShip
// optimization for large artifact uploads.
type Backend struct {
	client    *s3.Client
	bucket    string
	region    string
	endpoint  string
	pathStyle bool

	pool *ConnectionPool

	config *Config

	transporter *cargoships3.Transporter
	logger      *slog.Logger

	mu      sync.RWMutex
	metrics BackendMetrics
}

// BackendMetrics tracks S3 backend performance metrics
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// NewBackend creates a new S3 backend instance
func NewBackend(ctx context.Context, bucket string, cfg *Config) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}

	if httpClient := newHTTPClient(cfg); httpClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(httpClient))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
		if cfg.UseDualStack {
			o.UseDualstack = true
		}
	}

	client := s3.NewFromConfig(awsCfg, clientOpts)

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, clientOpts), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	logger := slog.Default().With("component", "s3-backend", "bucket", bucket)

	var transporter *cargoships3.Transporter
	if cfg.EnableCargoShipOptimization {
		cargoConfig := awsconfig.S3Config{
			Bucket:             bucket,
			StorageClass:       awsconfig.StorageClassIntelligentTiering,
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        cfg.PoolSize,
		}

		transporter = cargoships3.NewTransporter(client, cargoConfig)
		logger.Info("CargoShip S3 optimization enabled",
			"target_throughput", cfg.TargetThroughput,
			"chunk_size", "16MB",
			"concurrency", cfg.PoolSize)
	}

	backend := &Backend{
		client:      client,
		bucket:      bucket,
		region:      cfg.Region,
		endpoint:    cfg.Endpoint,
		pathStyle:   cfg.ForcePathStyle,
		pool:        pool,
		config:      cfg,
		transporter: transporter,
		logger:      logger,
		metrics:     BackendMetrics{},
	}

	if err := backend.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("S3 backend health check failed: %w", err)
	}

	return backend, nil
}

// newHTTPClient builds an http.Client honoring Config.ProxyURL and
// Config.TLSVerify, or returns nil to let the SDK use its default.
func newHTTPClient(cfg *Config) *http.Client {
	if cfg.ProxyURL == "" && cfg.TLSVerify {
		return nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	if !cfg.TLSVerify {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	return &http.Client{Transport: transport}
}

// GetObject retrieves an object or part of an object from S3 with CargoShip optimization
func (b *Backend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	start := time.Now()
	defer func() {
		b.recordMetrics(time.Since(start), false)
	}()

	var rangeHeader *string
	if offset > 0 || size > 0 {
		if size > 0 {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	}

	client := b.pool.Get()
	defer b.pool.Put(client)

	result, err := client.GetObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "GetObject", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		b.recordError(err)
		return nil, pkgerrors.New(pkgerrors.KindTransient, "failed to read object body").
			WithComponent("s3").WithOperation("GetObject").WithFilename(key).WithCause(err)
	}

	b.mu.Lock()
	b.metrics.BytesDownloaded += int64(len(data))
	b.mu.Unlock()

	return data, nil
}

// PutObject stores an object in S3 with CargoShip optimization
func (b *Backend) PutObject(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	defer func() {
		b.recordMetrics(time.Since(start), false)
	}()

	if b.transporter != nil {
		archive := cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(data),
			Size:         int64(len(data)),
			StorageClass: awsconfig.StorageClassStandard,
			Metadata: map[string]string{
				"content-type": b.detectContentType(key),
			},
		}

		result, uploadErr := b.transporter.Upload(ctx, archive)
		if uploadErr == nil {
			b.logger.Debug("CargoShip optimized upload completed",
				"key", key,
				"size", len(data),
				"throughput", result.Throughput,
				"duration", result.Duration)
			b.mu.Lock()
			b.metrics.BytesUploaded += int64(len(data))
			b.mu.Unlock()
			return nil
		}

		b.logger.Warn("CargoShip optimization failed, falling back to standard S3", "key", key, "error", uploadErr)
	}

	client := b.pool.Get()
	defer b.pool.Put(client)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(b.detectContentType(key)),
	}

	if _, err := client.PutObject(ctx, input); err != nil {
		b.recordError(err)
		return b.translateError(err, "PutObject", key)
	}

	b.mu.Lock()
	b.metrics.BytesUploaded += int64(len(data))
	b.mu.Unlock()

	return nil
}

// PutObjectConditional publishes data at key subject to an S3 precondition:
// ifMatch, if set, requires the existing object's ETag to equal it
// (compare-and-swap); if empty, the write requires the key not already
// exist (IfNoneMatch: "*"). A failed precondition is translated to
// KindTransient so the manifest CAS retry loop in the cache manager treats
// it as a contended write to retry, not a permanent failure. Returns the
// new object's ETag on success so the caller can chain further CAS writes.
func (b *Backend) PutObjectConditional(ctx context.Context, key string, data []byte, ifMatch string) (string, error) {
	start := time.Now()
	defer func() {
		b.recordMetrics(time.Since(start), false)
	}()

	client := b.pool.Get()
	defer b.pool.Put(client)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(b.detectContentType(key)),
	}

	if ifMatch != "" {
		input.IfMatch = aws.String(ifMatch)
	} else {
		input.IfNoneMatch = aws.String("*")
	}

	result, err := client.PutObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return "", b.translateError(err, "PutObjectConditional", key)
	}

	b.mu.Lock()
	b.metrics.BytesUploaded += int64(len(data))
	b.mu.Unlock()

	return aws.ToString(result.ETag), nil
}

// DeleteObject removes an object from S3
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		b.recordMetrics(time.Since(start), false)
	}()

	client := b.pool.Get()
	defer b.pool.Put(client)

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}

	if _, err := client.DeleteObject(ctx, input); err != nil {
		b.recordError(err)
		return b.translateError(err, "DeleteObject", key)
	}

	return nil
}

// HeadObject retrieves metadata about an object
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	start := time.Now()
	defer func() {
		b.recordMetrics(time.Since(start), false)
	}()

	client := b.pool.Get()
	defer b.pool.Put(client)

	input := &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}

	result, err := client.HeadObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "HeadObject", key)
	}

	info := &types.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		LastModified: aws.ToTime(result.LastModified),
		ETag:         aws.ToString(result.ETag),
		ContentType:  aws.ToString(result.ContentType),
		Metadata:     make(map[string]string),
	}

	for k, v := range result.Metadata {
		info.Metadata[k] = v
	}

	return info, nil
}

// GetObjectWithETag retrieves an object along with its current ETag, used by
// the manifest CAS loop to learn the precondition value for its next
// conditional write.
func (b *Backend) GetObjectWithETag(ctx context.Context, key string) ([]byte, string, error) {
	start := time.Now()
	defer func() {
		b.recordMetrics(time.Since(start), false)
	}()

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}

	client := b.pool.Get()
	defer b.pool.Put(client)

	result, err := client.GetObject(ctx, input)
	if err != nil {
		b.recordError(err)
		return nil, "", b.translateError(err, "GetObjectWithETag", key)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		b.recordError(err)
		return nil, "", pkgerrors.New(pkgerrors.KindTransient, "failed to read object body").
			WithComponent("s3").WithOperation("GetObjectWithETag").WithFilename(key).WithCause(err)
	}

	b.mu.Lock()
	b.metrics.BytesDownloaded += int64(len(data))
	b.mu.Unlock()

	return data, aws.ToString(result.ETag), nil
}

// GetObjects retrieves multiple objects in batch with CargoShip optimization
func (b *Backend) GetObjects(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return make(map[string][]byte), nil
	}

	results := make(map[string][]byte, len(keys))

	type result struct {
		key  string
		data []byte
		err  error
	}

	resultCh := make(chan result, len(keys))
	semaphore := make(chan struct{}, b.config.PoolSize)

	for _, key := range keys {
		go func(k string) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			data, err := b.GetObject(ctx, k, 0, 0)
			resultCh <- result{key: k, data: data, err: err}
		}(key)
	}

	var firstError error
	for i := 0; i < len(keys); i++ {
		res := <-resultCh
		if res.err != nil {
			if firstError == nil {
				firstError = res.err
			}
			continue
		}
		results[res.key] = res.data
	}

	if firstError != nil && len(results) == 0 {
		return nil, firstError
	}

	return results, nil
}

// PutObjects stores multiple objects in batch with CargoShip optimization
func (b *Backend) PutObjects(ctx context.Context, objects map[string][]byte) error {
	if len(objects) == 0 {
		return nil
	}

	type result struct {
		key string
		err error
	}

	resultCh := make(chan result, len(objects))
	semaphore := make(chan struct{}, b.config.PoolSize)

	for key, data := range objects {
		go func(k string, d []byte) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			err := b.PutObject(ctx, k, d)
			resultCh <- result{key: k, err: err}
		}(key, data)
	}

	var failures []string
	for i := 0; i < len(objects); i++ {
		res := <-resultCh
		if res.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", res.key, res.err))
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("batch put failed for %d objects: %s", len(failures), strings.Join(failures, "; "))
	}

	return nil
}

// ListObjects lists objects in the bucket with the given prefix
func (b *Backend) ListObjects(ctx context.Context, prefix string, limit int) ([]types.ObjectInfo, error) {
	start := time.Now()
	defer func() {
		b.recordMetrics(time.Since(start), false)
	}()

	client := b.pool.Get()
	defer b.pool.Put(client)

	var maxKeys *int32
	if limit > 0 {
		if limit > 0x7FFFFFFF {
			maxKeys = aws.Int32(0x7FFFFFFF)
		} else {
			maxKeys = aws.Int32(int32(limit))
		}
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: maxKeys,
	}

	result, err := client.ListObjectsV2(ctx, input)
	if err != nil {
		b.recordError(err)
		return nil, b.translateError(err, "ListObjects", prefix)
	}

	objects := make([]types.ObjectInfo, 0, len(result.Contents))
	for _, obj := range result.Contents {
		info := types.ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
			ETag:         aws.ToString(obj.ETag),
			Metadata:     make(map[string]string),
		}
		objects = append(objects, info)
	}

	return objects, nil
}

// ListObjectsPaginated lists objects in the bucket, lazily fetching further
// pages as the supplied visit function keeps requesting more. visit is
// called once per page; returning false stops pagination early.
func (b *Backend) ListObjectsPaginated(ctx context.Context, prefix string, pageSize int32, visit func([]types.ObjectInfo) bool) error {
	client := b.pool.Get()
	defer b.pool.Put(client)

	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			MaxKeys:           aws.Int32(pageSize),
			ContinuationToken: continuationToken,
		}

		result, err := client.ListObjectsV2(ctx, input)
		if err != nil {
			b.recordError(err)
			return b.translateError(err, "ListObjectsPaginated", prefix)
		}

		page := make([]types.ObjectInfo, 0, len(result.Contents))
		for _, obj := range result.Contents {
			page = append(page, types.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
				Metadata:     make(map[string]string),
			})
		}

		if !visit(page) {
			return nil
		}

		if !aws.ToBool(result.IsTruncated) {
			return nil
		}
		continuationToken = result.NextContinuationToken
	}
}

// HealthCheck verifies the backend connection
func (b *Backend) HealthCheck(ctx context.Context) error {
	client := b.pool.Get()
	defer b.pool.Put(client)

	input := &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	}

	if _, err := client.HeadBucket(ctx, input); err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}

	return nil
}

// GetMetrics returns current backend metrics
func (b *Backend) GetMetrics() BackendMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// Close closes the backend and releases resources
func (b *Backend) Close() error {
	return b.pool.Close()
}

func (b *Backend) recordMetrics(duration time.Duration, isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.Requests++
	if isError {
		b.metrics.Errors++
	}

	if b.metrics.Requests == 1 {
		b.metrics.AverageLatency = duration
	} else {
		b.metrics.AverageLatency = time.Duration(
			(int64(b.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (b *Backend) recordError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics.LastError = err.Error()
	b.metrics.LastErrorTime = time.Now()
}

// translateError maps AWS SDK errors to the module's nine-kind error
// taxonomy (pkg/errors).
func (b *Backend) translateError(err error, operation, key string) error {
	base := func(kind pkgerrors.Kind, msg string) *pkgerrors.CacheError {
		return pkgerrors.New(kind, msg).
			WithComponent("s3").WithOperation(operation).WithFilename(key).WithCause(err)
	}

	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return base(pkgerrors.KindNotFound, fmt.Sprintf("object not found: %s", key))
	case isErrorType[*s3types.NoSuchBucket](err):
		return base(pkgerrors.KindNotConfigured, fmt.Sprintf("bucket not found: %s", b.bucket))
	case isPreconditionFailed(err):
		return base(pkgerrors.KindTransient, fmt.Sprintf("conditional write contended: %s", key))
	case isAccessDenied(err):
		return base(pkgerrors.KindAuthDenied, fmt.Sprintf("access denied for %s on %s", operation, key))
	default:
		return base(pkgerrors.KindTransient, fmt.Sprintf("%s failed for %s: %v", operation, key, err))
	}
}

func (b *Backend) detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".zip"), strings.HasSuffix(key, ".fastshot"):
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return goerrors.As(err, &target)
}

// isPreconditionFailed reports whether err is an S3 PreconditionFailed or
// equivalent HTTP 412 response, surfaced by CAS-guarded PutObjectConditional calls.
func isPreconditionFailed(err error) bool {
	return strings.Contains(err.Error(), "PreconditionFailed") || strings.Contains(err.Error(), "412")
}

// isAccessDenied reports whether err is an S3 AccessDenied/401/403 response.
func isAccessDenied(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "Forbidden") ||
		strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "UnauthorizedAccess")
}
