package config

type WorkerKeyStruct struct {
	PersistJournalQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistJournalQueue: "persist_journal_queue",
}
