package whatsapp

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 512

// PairingRenderer turns pairing codes into PNG QR images kept on disk, one per
// tenant. The files are disposable and re-rendered on demand.
type PairingRenderer struct {
	dir string
}

func NewPairingRenderer(sessionsDir string) *PairingRenderer {
	return &PairingRenderer{dir: filepath.Join(sessionsDir, "qr")}
}

func (r *PairingRenderer) Path(tenantID uuid.UUID) string {
	return filepath.Join(r.dir, tenantID.String()+".png")
}

// Render writes the QR for code and returns the file path.
func (r *PairingRenderer) Render(tenantID uuid.UUID, code string) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create qr dir: %w", err)
	}
	path := r.Path(tenantID)
	if err := qrcode.WriteFile(code, qrcode.Medium, qrSize, path); err != nil {
		return "", fmt.Errorf("failed to render qr: %w", err)
	}
	return path, nil
}

// PNG encodes code in memory.
func (r *PairingRenderer) PNG(code string) ([]byte, error) {
	return qrcode.Encode(code, qrcode.Medium, qrSize)
}

// DataURL encodes code as a base64 PNG data URL for the dashboard.
func (r *PairingRenderer) DataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Remove deletes the tenant's rendered artifact, if any.
func (r *PairingRenderer) Remove(tenantID uuid.UUID) error {
	if err := os.Remove(r.Path(tenantID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
