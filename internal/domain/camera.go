package domain

// Camera is a camera entry from the directory service.
type Camera struct {
	ID                  string
	Name                string
	PremiseID           string
	LocationDescription string
	IsActive            bool
}

// CameraQuery filters a directory listing.
type CameraQuery struct {
	PremiseID  string
	ActiveOnly bool
}
