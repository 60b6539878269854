package server

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"chatrelay/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileRelay moves file bytes over two listeners independent of the line
// protocol. Uploads and metadata announcements are deliberately decoupled:
// either may arrive first, and they converge through the store by
// filename+sender. The framing matches Java's DataInputStream/DataOutputStream
// (2-byte big-endian length UTF strings, 8-byte big-endian sizes).
type FileRelay struct {
	store     store.Store
	uploadDir string
	log       *zap.Logger

	upload   net.Listener
	download net.Listener
}

func NewFileRelay(st store.Store, uploadDir string, log *zap.Logger) *FileRelay {
	return &FileRelay{store: st, uploadDir: uploadDir, log: log}
}

// Start opens both listeners and begins accepting transfers.
func (r *FileRelay) Start(uploadPort, downloadPort int) error {
	if err := os.MkdirAll(r.uploadDir, 0755); err != nil {
		return err
	}

	upload, err := net.Listen("tcp", ":"+strconv.Itoa(uploadPort))
	if err != nil {
		return err
	}
	download, err := net.Listen("tcp", ":"+strconv.Itoa(downloadPort))
	if err != nil {
		upload.Close()
		return err
	}

	r.upload = upload
	r.download = download

	go r.acceptLoop(upload, r.HandleUpload)
	go r.acceptLoop(download, r.HandleDownload)

	r.log.Info("file relay started",
		zap.Int("upload_port", uploadPort), zap.Int("download_port", downloadPort))
	return nil
}

func (r *FileRelay) Close() {
	if r.upload != nil {
		r.upload.Close()
	}
	if r.download != nil {
		r.download.Close()
	}
}

func (r *FileRelay) acceptLoop(listener net.Listener, handle func(net.Conn)) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go handle(conn)
	}
}

// HandleUpload receives (sender, filename, size, bytes) and stores the bytes
// under a collision-free name, then patches the metadata row with the real
// on-disk path. Exported for tests.
func (r *FileRelay) HandleUpload(conn net.Conn) {
	defer conn.Close()

	sender, err := readUTF(conn)
	if err != nil {
		r.log.Warn("upload: bad header", zap.Error(err))
		return
	}
	filename, err := readUTF(conn)
	if err != nil {
		r.log.Warn("upload: bad header", zap.Error(err))
		return
	}
	var size int64
	if err := binary.Read(conn, binary.BigEndian, &size); err != nil || size < 0 {
		r.log.Warn("upload: bad size", zap.Error(err))
		return
	}

	// Префикс по времени плюс короткий uuid, чтобы одноименные файлы не бились
	storedName := strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" +
		uuid.NewString()[:8] + "_" + filepath.Base(filename)

	out, err := os.Create(filepath.Join(r.uploadDir, storedName))
	if err != nil {
		r.log.Error("upload: cannot create file", zap.String("name", storedName), zap.Error(err))
		return
	}

	written, err := io.Copy(out, io.LimitReader(conn, size))
	out.Close()
	if err != nil || written != size {
		r.log.Warn("upload: truncated transfer", zap.String("file", filename),
			zap.Int64("expected", size), zap.Int64("got", written), zap.Error(err))
		os.Remove(filepath.Join(r.uploadDir, storedName))
		return
	}

	if err := r.store.UpdateFilePath(filename, sender, storedName); err != nil {
		r.log.Error("upload: failed to record path", zap.String("file", filename), zap.Error(err))
	}

	r.log.Info("file saved", zap.String("stored", storedName),
		zap.String("original", filename), zap.String("sender", sender), zap.Int64("size", size))
}

// HandleDownload answers a DOWNLOAD request: a 1-byte exists flag, then size
// and bytes. The display filename is resolved to the stored name through the
// metadata store, falling back to the literal name. Exported for tests.
func (r *FileRelay) HandleDownload(conn net.Conn) {
	defer conn.Close()

	command, err := readUTF(conn)
	if err != nil || command != "DOWNLOAD" {
		return
	}
	filename, err := readUTF(conn)
	if err != nil {
		return
	}

	diskName, err := r.store.FilePath(filename)
	if err != nil {
		if err != store.ErrNoRows {
			r.log.Error("download: path lookup failed", zap.String("file", filename), zap.Error(err))
		}
		// Fallback: байты могли лечь под исходным именем
		diskName = filename
	}

	file, err := os.Open(filepath.Join(r.uploadDir, filepath.Base(diskName)))
	if err != nil {
		conn.Write([]byte{0})
		r.log.Warn("download: file not found", zap.String("file", diskName))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		conn.Write([]byte{0})
		return
	}

	if _, err := conn.Write([]byte{1}); err != nil {
		return
	}
	if err := binary.Write(conn, binary.BigEndian, info.Size()); err != nil {
		return
	}
	if _, err := io.Copy(conn, file); err != nil {
		r.log.Warn("download: send failed", zap.String("file", diskName), zap.Error(err))
		return
	}

	r.log.Info("file sent", zap.String("file", diskName), zap.Int64("size", info.Size()))
}

// readUTF reads a Java DataOutputStream writeUTF string: a 2-byte big-endian
// length followed by that many bytes.
func readUTF(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
