package migrations

import "embed"

// UpFiles 是 file_center 三张表的正向迁移，按文件名顺序执行。
//
//go:embed *.up.sql
var UpFiles embed.FS
