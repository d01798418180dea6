package resource

import "github.com/any-hub/article-cache/internal/keys"

func init() {
	MustRegister(Profile{
		Type:               keys.TypeArticle,
		Description:        "文章 HTML，variant 为语言变体，离线时按 Accept-Language 兜底",
		DefaultContentType: "text/html; charset=utf-8",
		chain:              articleChain,
	})
	MustRegister(Profile{
		Type:               keys.TypeImage,
		Description:        "图片，variant 为缩略图宽度，离线时回退到其它已缓存宽度",
		DefaultContentType: "application/octet-stream",
		UsesCachedVariants: true,
		variant:            imageVariant,
		chain:              imageChain,
	})
	MustRegister(Profile{
		Type:               keys.TypeGeneric,
		Description:        "样式、脚本等其它离线资源",
		DefaultContentType: "application/octet-stream",
	})
}
