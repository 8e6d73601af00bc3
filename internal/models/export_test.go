package models

var (
	GetModelErrors     = getModelErrors
	ModelsInstantiated = modelsInstantiated
)
