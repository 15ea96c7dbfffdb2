package model

import "gorm.io/datatypes"

func jsonItems(items ...CartItem) datatypes.JSONType[[]CartItem] {
	return datatypes.NewJSONType(items)
}
