// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/net/context"
	"google.golang.org/api/iterator"
)

// Implements the FileStorage interface to store files in Google Cloud
// Storage.
type gcsFileStorage struct {
	ctx      context.Context
	client   *gcs.Client
	bucket   *gcs.BucketHandle
	name     string
	upload   *bandwidthLimiter
	download *bandwidthLimiter
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Storage class for archive containers; "coldline" if not specified.
	ArchiveStorageClass string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

func NewGCS(options GCSOptions) (FileStorage, error) {
	if options.BucketName == "" {
		return nil, errors.New("no GCS bucket name given")
	}
	g := &gcsFileStorage{ctx: context.Background(), name: options.BucketName}

	var err error
	if g.client, err = gcs.NewClient(g.ctx); err != nil {
		return nil, err
	}

	// Create the bucket if it doesn't exist.
	g.bucket = g.client.Bucket(options.BucketName)
	if _, err := g.bucket.Attrs(g.ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			return nil, fmt.Errorf("%s: bucket doesn't exist and no project id given",
				options.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if err := g.bucket.Create(g.ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	g.upload = newBandwidthLimiter(options.MaxUploadBytesPerSecond)
	g.download = newBandwidthLimiter(options.MaxDownloadBytesPerSecond)
	return g, nil
}

func (g *gcsFileStorage) ForFiles(prefix string, f func(n string, created time.Time)) error {
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return err
		}
		if !strings.HasSuffix(obj.Name, tmpSuffix) {
			f(obj.Name, obj.Created)
		}
	}
}

func (g *gcsFileStorage) String() string {
	return "gs://" + g.name
}

func (g *gcsFileStorage) Fsck() error {
	// GCS already checksums everything that is stored and reading all of
	// the containers back can quickly get fairly expensive with coldline
	// storage, so make sure the user really wants to do this.
	if os.Getenv("VBK_GCS_FSCK") != "yolo" {
		return errors.New("must set VBK_GCS_FSCK environment variable appropriately to fsck GCS")
	}
	return nil
}

func (g *gcsFileStorage) ReadFile(name string, offset, length int64) ([]byte, error) {
	log.Debug("%s: starting gcs download, offset %d, length %d", name, offset, length)

	obj := g.bucket.Object(name)
	var b []byte
	err := retry(name, func() error {
		var r io.ReadCloser
		var err error
		if length > 0 {
			r, err = obj.NewRangeReader(g.ctx, offset, length)
		} else {
			r, err = obj.NewReader(g.ctx)
		}

		if err == gcs.ErrObjectNotExist {
			return fmt.Errorf("%s: %w", name, ErrFileNotFound)
		} else if err != nil {
			return err
		}

		b, err = io.ReadAll(g.download.Reader(r))
		r.Close()
		return err
	})
	return b, err
}

func retry(n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries || errors.Is(err, ErrFileNotFound) ||
			errors.Is(err, ErrFileExists) {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

func (g *gcsFileStorage) exists(name string) bool {
	_, err := g.bucket.Object(name).Attrs(g.ctx)
	return err == nil
}

func (g *gcsFileStorage) CreateFile(name string) (io.WriteCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	// It seems that using Object.If(storage.Conditions{DoesNotExist:true})
	// ends up uploading the entire file contents before catching the "oh,
	// it already exists" error upon the Close() call. Checking for
	// existence by grabbing the attrs is much more efficient.
	if g.exists(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrFileExists)
	}

	// Containers are written once and are only read back for restores;
	// everything else is small and accessed on every run.
	storageClass := "regional"
	if strings.HasSuffix(name, ".append") || strings.HasSuffix(name, ".store") {
		storageClass = "coldline"
	}

	return &gcsWriter{
		name:         name,
		storageClass: storageClass,
		g:            g,
	}, nil
}

// gcsWriter buffers the entire contents of the file before actually doing
// the upload to GCS in its Close() method. (This makes it easy to retry on
// temporary failures.)
type gcsWriter struct {
	buf          bytes.Buffer
	name         string
	storageClass string
	g            *gcsFileStorage
}

func (gw *gcsWriter) Write(b []byte) (int, error) {
	return gw.buf.Write(b)
}

func (gw *gcsWriter) Close() error {
	return retry(gw.name, func() error {
		return gw.g.put(gw.name, gw.storageClass, gw.buf.Bytes())
	})
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

var errCRCMismatch = errors.New("CRC32 checksum mismatch")

func (g *gcsFileStorage) put(name string, storageClass string, buf []byte) error {
	// Make sure the file doesn't already exist. (Ideally would check this
	// before Close, but this shouldn't happen in general...)
	obj := g.bucket.Object(name)
	if g.exists(name) {
		return fmt.Errorf("%s: %w", name, ErrFileExists)
	}

	tmpName := name + tmpSuffix
	tmpObj := g.bucket.Object(tmpName)
	log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(g.ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(g.ctx)

	r := g.upload.Reader(bytes.NewReader(buf))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	log.Verbose("%s: finished upload", name)

	// Double-check that the CRC we compute locally is the same as what GCS
	// thinks it is. A mismatch most likely means that the data was
	// corrupted over the network, so the upload is retried.
	localCrc := crc32.Checksum(buf, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		return fmt.Errorf("%s: local %d, GCS %d: %w", tmpName, localCrc, gcsCrc,
			errCRCMismatch)
	}

	// Make the final object by copying from the temporary one.
	copier := obj.CopierFrom(tmpObj)
	copier.StorageClass = storageClass
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err := copier.Run(g.ctx)
	return err
}
