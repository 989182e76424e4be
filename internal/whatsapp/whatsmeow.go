package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for the shared whatsmeow store
	"github.com/naperu/wagateway/internal/domain"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite" // SQLite driver for per-tenant whatsmeow stores
)

// Credential store modes
const (
	CredentialStoreSQLite   = "sqlite"
	CredentialStorePostgres = "postgres"
)

type WhatsmeowConfig struct {
	// Mode is CredentialStoreSQLite (one database per tenant under
	// SessionsDir) or CredentialStorePostgres (one shared container).
	Mode        string
	SessionsDir string
	DatabaseURL string
	DeviceName  string
}

// WhatsmeowFactory opens whatsmeow clients on each tenant's stored credentials.
type WhatsmeowFactory struct {
	cfg    WhatsmeowConfig
	shared *sqlstore.Container
	log    *zap.Logger
}

func NewWhatsmeowFactory(ctx context.Context, cfg WhatsmeowConfig, log *zap.Logger) (*WhatsmeowFactory, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DeviceName != "" {
		store.DeviceProps.Os = proto.String(cfg.DeviceName)
	}
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	f := &WhatsmeowFactory{cfg: cfg, log: log}
	switch cfg.Mode {
	case CredentialStorePostgres:
		container, err := sqlstore.New(ctx, "pgx", cfg.DatabaseURL, newWALogger(log.Named("store")))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize whatsmeow store: %w", err)
		}
		if container.LIDMap != nil {
			if err := container.LIDMap.FillCache(ctx); err != nil {
				log.Warn("failed to fill LID cache", zap.Error(err))
			}
		}
		f.shared = container
	case CredentialStoreSQLite, "":
		f.cfg.Mode = CredentialStoreSQLite
		if err := os.MkdirAll(cfg.SessionsDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sessions dir: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown credential store %q", cfg.Mode)
	}
	return f, nil
}

func (f *WhatsmeowFactory) sessionDir(tenant *domain.Tenant) string {
	id := tenant.SessionID
	if id == "" {
		id = tenant.ID.String()
	}
	return filepath.Join(f.cfg.SessionsDir, "session-"+id)
}

func (f *WhatsmeowFactory) openSQLite(ctx context.Context, tenant *domain.Tenant) (*sqlstore.Container, error) {
	dir := f.sessionDir(tenant)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)",
		filepath.Join(dir, "store.db"))
	return sqlstore.New(ctx, "sqlite", dsn, newWALogger(f.log.Named("store")))
}

func (f *WhatsmeowFactory) NewChannel(ctx context.Context, tenant *domain.Tenant, cb ChannelEvents) (Channel, error) {
	var (
		container *sqlstore.Container
		device    *store.Device
		owned     bool
		err       error
	)

	if f.shared != nil {
		container = f.shared
		if tenant.WAJID != nil && *tenant.WAJID != "" {
			if jid, perr := types.ParseJID(*tenant.WAJID); perr == nil {
				device, err = container.GetDevice(ctx, jid)
				if err != nil {
					f.log.Warn("stored device not readable, pairing again",
						zap.String("tenant", tenant.ID.String()), zap.Error(err))
					device = nil
				}
			}
		}
		if device == nil {
			device = container.NewDevice()
		}
	} else {
		container, err = f.openSQLite(ctx, tenant)
		if err != nil {
			return nil, fmt.Errorf("failed to open credential store: %w", err)
		}
		owned = true
		device, err = container.GetFirstDevice(ctx)
		if err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("failed to load device: %w", err)
		}
	}

	log := f.log.With(zap.String("tenant", tenant.ID.String()))
	client := whatsmeow.NewClient(device, newWALogger(log.Named("client")))
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true

	chCtx, cancel := context.WithCancel(context.Background())
	c := &waChannel{
		client:        client,
		container:     container,
		ownsContainer: owned,
		events:        cb,
		log:           log,
		ctx:           chCtx,
		cancel:        cancel,
	}
	client.AddEventHandler(c.handleEvent)
	return c, nil
}

// Purge deletes the tenant's stored credentials.
func (f *WhatsmeowFactory) Purge(ctx context.Context, tenant *domain.Tenant) error {
	if f.shared == nil {
		if err := os.RemoveAll(f.sessionDir(tenant)); err != nil {
			return fmt.Errorf("failed to remove session dir: %w", err)
		}
		return nil
	}

	if tenant.WAJID == nil || *tenant.WAJID == "" {
		return nil
	}
	jid, err := types.ParseJID(*tenant.WAJID)
	if err != nil {
		return fmt.Errorf("invalid device jid: %w", err)
	}
	device, err := f.shared.GetDevice(ctx, jid)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

// Close releases the shared container, if any.
func (f *WhatsmeowFactory) Close() error {
	if f.shared != nil {
		return f.shared.Close()
	}
	return nil
}

// waChannel adapts one whatsmeow client to Channel.
type waChannel struct {
	client        *whatsmeow.Client
	container     *sqlstore.Container
	ownsContainer bool
	events        ChannelEvents
	log           *zap.Logger

	ctx           context.Context
	cancel        context.CancelFunc
	authenticated atomic.Bool
	ready         atomic.Bool
	closeOnce     sync.Once
}

func (c *waChannel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.client.Store.ID != nil {
		return c.client.Connect()
	}

	// The QR channel must exist before Connect and lives as long as the channel.
	qrChan, err := c.client.GetQRChannel(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to get qr channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	go c.watchQR(qrChan)
	return nil
}

func (c *waChannel) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if evt.Code != "" && c.events.OnPairingCode != nil {
				c.events.OnPairingCode(evt.Code)
			}
		case "success":
			c.log.Info("pairing succeeded")
		case "timeout":
			c.disconnected("pairing timeout")
		default:
			if strings.HasPrefix(evt.Event, "err") {
				reason := evt.Event
				if evt.Error != nil {
					reason += ": " + evt.Error.Error()
				}
				c.disconnected(reason)
			}
		}
	}
}

func (c *waChannel) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		c.markAuthenticated()

	case *events.Connected:
		c.markAuthenticated()
		// Auto-reconnects emit Connected again; only the first one is ready.
		if c.ready.CompareAndSwap(false, true) && c.events.OnReady != nil {
			c.events.OnReady()
		}

	case *events.LoggedOut:
		c.disconnected(fmt.Sprintf("logged out: %v", evt.Reason))

	case *events.StreamReplaced:
		c.disconnected("stream replaced")

	case *events.TemporaryBan:
		c.disconnected(fmt.Sprintf("temporary ban: %v", evt.Code))

	case *events.ConnectFailure:
		c.disconnected(fmt.Sprintf("connect failure: %v %s", evt.Reason, evt.Message))

	case *events.ClientOutdated:
		c.disconnected("client outdated")

	case *events.Disconnected:
		c.log.Debug("connection dropped, auto reconnect is on")

	case *events.Message:
		if in := c.convert(evt); in != nil && c.events.OnMessage != nil {
			c.events.OnMessage(in)
		}
	}
}

func (c *waChannel) markAuthenticated() {
	if c.authenticated.CompareAndSwap(false, true) && c.events.OnAuthenticated != nil {
		c.events.OnAuthenticated()
	}
}

func (c *waChannel) disconnected(reason string) {
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected(reason)
	}
}

func (c *waChannel) resolve(jid types.JID) types.JID {
	jid = jid.ToNonAD()
	if jid.Server == types.HiddenUserServer && c.container.LIDMap != nil {
		if pn, err := c.container.LIDMap.GetPNForLID(c.ctx, jid); err == nil && !pn.IsEmpty() {
			return pn
		}
	}
	return jid
}

// convert normalizes a whatsmeow message. Own messages, status broadcasts,
// newsletters, reactions and protocol messages are dropped.
func (c *waChannel) convert(evt *events.Message) *InboundMessage {
	info := evt.Info
	if info.IsFromMe || info.Chat.Server == types.BroadcastServer || info.Chat.Server == types.NewsletterServer {
		return nil
	}
	m := evt.Message
	if m == nil || m.GetProtocolMessage() != nil || m.GetReactionMessage() != nil {
		return nil
	}

	in := &InboundMessage{
		ID:        string(info.ID),
		Chat:      c.resolve(info.Chat).String(),
		From:      c.resolve(info.Sender).User,
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
		Kind:      domain.MessageTypeText,
	}

	if text := m.GetConversation(); text != "" {
		in.Body = text
	} else if ext := m.GetExtendedTextMessage(); ext != nil {
		in.Body = ext.GetText()
	} else if img := m.GetImageMessage(); img != nil {
		in.Kind = domain.MessageTypeImage
		in.Body = img.GetCaption()
		in.Mimetype = img.GetMimetype()
		in.HasMedia = true
		in.MediaHandle = img
	} else if vid := m.GetVideoMessage(); vid != nil {
		in.Kind = domain.MessageTypeVideo
		in.Body = vid.GetCaption()
		in.Mimetype = vid.GetMimetype()
		in.HasMedia = true
		in.MediaHandle = vid
	} else if aud := m.GetAudioMessage(); aud != nil {
		in.Kind = domain.MessageTypeAudio
		in.Mimetype = aud.GetMimetype()
		in.HasMedia = true
		in.MediaHandle = aud
	} else if doc := m.GetDocumentMessage(); doc != nil {
		in.Kind = domain.MessageTypeDocument
		in.Body = doc.GetCaption()
		in.Mimetype = doc.GetMimetype()
		in.FileName = doc.GetFileName()
		in.HasMedia = true
		in.MediaHandle = doc
	} else if loc := m.GetLocationMessage(); loc != nil {
		in.Kind = domain.MessageTypeLocation
		in.Latitude = loc.GetDegreesLatitude()
		in.Longitude = loc.GetDegreesLongitude()
	} else if contact := m.GetContactMessage(); contact != nil {
		in.Kind = domain.MessageTypeContact
		in.Contact = contact.GetDisplayName()
	} else if sticker := m.GetStickerMessage(); sticker != nil {
		in.Kind = domain.MessageTypeUnknown
		in.RawType = "sticker"
		in.Mimetype = sticker.GetMimetype()
		in.HasMedia = true
		in.MediaHandle = sticker
	} else {
		in.Kind = domain.MessageTypeUnknown
		in.RawType = rawTypeOf(m, info.Type)
	}
	return in
}

func rawTypeOf(m *waE2E.Message, fallback string) string {
	switch {
	case m.GetPollCreationMessage() != nil:
		return "poll"
	case m.GetLiveLocationMessage() != nil:
		return "live_location"
	case m.GetContactsArrayMessage() != nil:
		return "contacts_array"
	}
	if fallback == "" {
		return "unknown"
	}
	return fallback
}

func (c *waChannel) DownloadMedia(ctx context.Context, msg *InboundMessage) ([]byte, error) {
	handle, ok := msg.MediaHandle.(whatsmeow.DownloadableMessage)
	if !ok || handle == nil {
		return nil, errors.New("message has no downloadable media")
	}
	return c.client.Download(ctx, handle)
}

func (c *waChannel) Send(ctx context.Context, to string, content OutboundContent) (*SendResult, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", to, err)
	}

	msg, err := c.buildMessage(ctx, content)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &SendResult{ID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (c *waChannel) upload(ctx context.Context, media Media, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	uploaded, err := c.client.Upload(ctx, media.Data, kind)
	if err != nil {
		return uploaded, fmt.Errorf("failed to upload media: %w", err)
	}
	return uploaded, nil
}

func (c *waChannel) buildMessage(ctx context.Context, content OutboundContent) (*waE2E.Message, error) {
	switch v := content.(type) {
	case TextContent:
		return &waE2E.Message{Conversation: proto.String(v.Body)}, nil

	case ImageContent:
		up, err := c.upload(ctx, v.Media, whatsmeow.MediaImage)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(v.Media.Mimetype),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(v.Media.Data))),
			Caption:       proto.String(v.Caption),
		}}, nil

	case VideoContent:
		up, err := c.upload(ctx, v.Media, whatsmeow.MediaVideo)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(v.Media.Mimetype),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(v.Media.Data))),
			Caption:       proto.String(v.Caption),
		}}, nil

	case AudioContent:
		up, err := c.upload(ctx, v.Media, whatsmeow.MediaAudio)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(v.Media.Mimetype),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(v.Media.Data))),
			PTT:           proto.Bool(strings.Contains(v.Media.Mimetype, "ogg")),
		}}, nil

	case DocumentContent:
		up, err := c.upload(ctx, v.Media, whatsmeow.MediaDocument)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(v.Media.Mimetype),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(v.Media.Data))),
			FileName:      proto.String(v.FileName),
			Caption:       proto.String(v.Caption),
		}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaKind, content.Kind())
}

func (c *waChannel) ProbeConnected(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.client.IsConnected() && c.client.IsLoggedIn(), nil
}

func (c *waChannel) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

func (c *waChannel) IsNumberRegistered(ctx context.Context, number string) (bool, error) {
	resp, err := c.client.IsOnWhatsApp(ctx, []string{"+" + number})
	if err != nil {
		return false, err
	}
	for _, r := range resp {
		if r.IsIn {
			return true, nil
		}
	}
	return false, nil
}

func (c *waChannel) OwnNumber(ctx context.Context) (string, error) {
	if c.client.Store.ID == nil {
		return "", errors.New("device not paired")
	}
	return c.client.Store.ID.User, nil
}

func (c *waChannel) FindChat(ctx context.Context, digits string) (string, bool) {
	if c.client.Store.Contacts == nil {
		return "", false
	}
	contacts, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		c.log.Debug("failed to read contacts", zap.Error(err))
		return "", false
	}
	chats := make([]string, 0, len(contacts))
	for jid := range contacts {
		if jid.Server == types.DefaultUserServer {
			chats = append(chats, jid.ToNonAD().String())
		}
	}
	sort.Strings(chats)
	return matchChat(chats, digits)
}

func (c *waChannel) JID() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.String()
}

func (c *waChannel) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.client.Disconnect()
		if c.ownsContainer {
			done := make(chan struct{})
			go func() {
				if err := c.container.Close(); err != nil {
					c.log.Debug("failed to close credential store", zap.Error(err))
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				c.log.Warn("credential store close timed out")
			}
		}
	})
}
