package models

type Role struct {
	ID          string `json:"id"`
	ServerID    string `json:"server_id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Permissions int64  `json:"permissions,string"`
	Position    int    `json:"position"`
	Mentionable bool   `json:"mentionable"`
	Hoist       bool   `json:"hoist"`
	Managed     bool   `json:"managed"`
	IsDefault   bool   `json:"is_default"`
}
