package nsq

// ClientVersion is sent as part of the default UserAgent string during
// IDENTIFY.
const ClientVersion = "1.0.0"
