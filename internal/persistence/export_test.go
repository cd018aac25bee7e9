package persistence

var SnapshotOptions = snapshotOptions
