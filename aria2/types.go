package aria2

// aria2 encodes every integer and boolean as a JSON string, hence the
// ",string" tags below.

// Download states reported in Status.Status.
const (
	StatusActive   = "active"
	StatusWaiting  = "waiting"
	StatusPaused   = "paused"
	StatusError    = "error"
	StatusComplete = "complete"
	StatusRemoved  = "removed"
)

// Push notifications sent by aria2, without the "aria2.on" prefix.
const (
	EventDownloadStart      = "DownloadStart"
	EventDownloadPause      = "DownloadPause"
	EventDownloadStop       = "DownloadStop"
	EventDownloadComplete   = "DownloadComplete"
	EventDownloadError      = "DownloadError"
	EventBtDownloadComplete = "BtDownloadComplete"
)

// Whence values for ChangePosition.
type Whence string

const (
	PosSet Whence = "POS_SET"
	PosCur Whence = "POS_CUR"
	PosEnd Whence = "POS_END"
)

// Options holds aria2 option values keyed by option name, e.g. "dir" or
// "max-download-limit". aria2 accepts and returns them as strings.
type Options map[string]string

// Status is the result of tellStatus and friends. Only the keys that were
// asked for are filled in.
type Status struct {
	GID                    string      `json:"gid"`
	Status                 string      `json:"status"`
	TotalLength            int64       `json:"totalLength,string"`
	CompletedLength        int64       `json:"completedLength,string"`
	UploadLength           int64       `json:"uploadLength,string"`
	Bitfield               string      `json:"bitfield"`
	DownloadSpeed          int64       `json:"downloadSpeed,string"`
	UploadSpeed            int64       `json:"uploadSpeed,string"`
	InfoHash               string      `json:"infoHash"`
	NumSeeders             int         `json:"numSeeders,string"`
	Seeder                 bool        `json:"seeder,string"`
	PieceLength            int64       `json:"pieceLength,string"`
	NumPieces              int         `json:"numPieces,string"`
	Connections            int         `json:"connections,string"`
	ErrorCode              string      `json:"errorCode"`
	ErrorMessage           string      `json:"errorMessage"`
	FollowedBy             []string    `json:"followedBy"`
	Following              string      `json:"following"`
	BelongsTo              string      `json:"belongsTo"`
	Dir                    string      `json:"dir"`
	Files                  []File      `json:"files"`
	BitTorrent             *BitTorrent `json:"bittorrent,omitempty"`
	VerifiedLength         int64       `json:"verifiedLength,string"`
	VerifyIntegrityPending bool        `json:"verifyIntegrityPending,string"`
}

// BitTorrent is the torrent information attached to a Status.
type BitTorrent struct {
	AnnounceList [][]string `json:"announceList"`
	Comment      string     `json:"comment"`
	CreationDate int64      `json:"creationDate"`
	Mode         string     `json:"mode"`
	Info         struct {
		Name string `json:"name"`
	} `json:"info"`
}

// URI is one source of a file.
type URI struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

// File is one file of a download.
type File struct {
	Index           int    `json:"index,string"`
	Path            string `json:"path"`
	Length          int64  `json:"length,string"`
	CompletedLength int64  `json:"completedLength,string"`
	Selected        bool   `json:"selected,string"`
	URIs            []URI  `json:"uris"`
}

// Peer is a BitTorrent peer of a download.
type Peer struct {
	PeerID        string `json:"peerId"`
	IP            string `json:"ip"`
	Port          int    `json:"port,string"`
	Bitfield      string `json:"bitfield"`
	AmChoking     bool   `json:"amChoking,string"`
	PeerChoking   bool   `json:"peerChoking,string"`
	DownloadSpeed int64  `json:"downloadSpeed,string"`
	UploadSpeed   int64  `json:"uploadSpeed,string"`
	Seeder        bool   `json:"seeder,string"`
}

// Server lists the servers connected for one file of a download.
type Server struct {
	Index   int `json:"index,string"`
	Servers []struct {
		URI           string `json:"uri"`
		CurrentURI    string `json:"currentUri"`
		DownloadSpeed int64  `json:"downloadSpeed,string"`
	} `json:"servers"`
}

// GlobalStat is the result of getGlobalStat.
type GlobalStat struct {
	DownloadSpeed   int64 `json:"downloadSpeed,string"`
	UploadSpeed     int64 `json:"uploadSpeed,string"`
	NumActive       int   `json:"numActive,string"`
	NumWaiting      int   `json:"numWaiting,string"`
	NumStopped      int   `json:"numStopped,string"`
	NumStoppedTotal int   `json:"numStoppedTotal,string"`
}

// Version is the result of getVersion.
type Version struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

// SessionInfo is the result of getSessionInfo.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
}

// Event is the payload of every aria2 push notification.
type Event struct {
	GID string `json:"gid"`
}
